/*
 * MPC5674F - Main process.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"

	"github.com/rcornwell/mpc5674f/config"
	"github.com/rcornwell/mpc5674f/internal/core"
	"github.com/rcornwell/mpc5674f/internal/debugif"
	"github.com/rcornwell/mpc5674f/internal/hexload"
	"github.com/rcornwell/mpc5674f/internal/intc"
	"github.com/rcornwell/mpc5674f/internal/logging"
	"github.com/rcornwell/mpc5674f/internal/master"
	"github.com/rcornwell/mpc5674f/internal/monitor"
	"github.com/rcornwell/mpc5674f/internal/peripherals/bam"
	"github.com/rcornwell/mpc5674f/internal/peripherals/flash"
	"github.com/rcornwell/mpc5674f/internal/peripherals/swt"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "mpc5674f.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optFirmware := getopt.StringLong("firmware", 'f', "", "Intel-HEX firmware image")
	optGDB := getopt.BoolLong("gdb", 'g', "Enable the debug interface boundary")
	optTestMode := getopt.BoolLong("test-mode", 't', "Run headless, without the interactive console")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var out io.Writer
	if *optLogFile != "" {
		file, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
		out = file
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	handler := logging.NewHandler(out, &slog.HandlerOptions{Level: programLevel, AddSource: false}, false)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)

	Logger.Info("mpc5674f started")

	cfg := config.Default()
	if _, err := os.Stat(*optConfig); err == nil {
		loaded, err := config.Load(*optConfig)
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
		cfg = loaded
	} else if *optConfig != "mpc5674f.cfg" {
		Logger.Error("configuration file " + *optConfig + " can't be found")
		os.Exit(1)
	}

	if *optFirmware != "" {
		cfg.Firmware = *optFirmware
	}
	if *optGDB {
		cfg.GDBEnabled = true
	}
	if *optTestMode {
		cfg.TestMode = true
	}
	handler.SetDebug(cfg.TestMode)

	masterChannel := make(chan master.Packet)
	cpu := core.New(masterChannel)

	// Registration order matters: bam.Reset expects flash's and swt's own
	// Reset to have already run, so both are registered first.
	flashCtrl := flash.New()
	watchdog := swt.New()
	cpu.Register("flash", 0, flashCtrl)
	cpu.Register("swt", 0, watchdog)
	cpu.Register("bam", 0, bam.New(flashCtrl, watchdog))

	if cfg.Firmware != "" {
		f, err := os.Open(cfg.Firmware)
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
		img, err := hexload.Parse(f)
		f.Close()
		if err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
		if err := hexload.LoadInto(img, flashCtrl); err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}

	cpu.PowerOnReset()

	if cfg.GDBEnabled {
		debug := debugif.New(cpu, masterChannel)
		Logger.Info("debug interface ready", "ivpr", debug.ReadReg(intc.SprIVPR))
	}

	// Start main emulator.
	go cpu.Start()

	if !cfg.TestMode {
		go monitor.New(cpu, masterChannel).Run()
	}

	// Wait for a SIGINT or SIGTERM signal to gracefully shut down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("Got quit signal")

	Logger.Info("shutting down core")
	cpu.Stop()
	Logger.Info("core stopped")
}
