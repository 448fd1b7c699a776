package logging

import (
	"fmt"
	"log/slog"
)

// Mask is a per-component debug-trace bitset, generalized from
// util/debug's (module string, mask int, level int) triple into a
// closed set of named components instead of an open string namespace.
type Mask uint32

const (
	MaskCore Mask = 1 << iota
	MaskMMU
	MaskIntc
	MaskSWT
	MaskBAM
	MaskFlash
	MaskDebugIF
)

var enabled Mask

// SetMask replaces the set of components whose Debugf calls reach the
// logger. Mask bits not covered here are simply never traced.
func SetMask(m Mask) { enabled = m }

// Debugf emits a Debug-level log record tagged with component, if
// component is currently enabled in the mask. Unlike util/debug's
// direct file write, this goes through the standard logger so it picks
// up the same timestamp/attrs formatting and file+stderr fanout as
// every other log record.
func Debugf(component Mask, format string, args ...any) {
	if enabled&component == 0 {
		return
	}
	slog.Debug(fmt.Sprintf(format, args...))
}
