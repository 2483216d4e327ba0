// Package assert reports programmer errors. A failed assertion logs the
// violated condition with its call site and then panics with an
// assertion-failure error.
package assert

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/go-stack/stack"
)

// That panics when cond is false.
func That(cond bool, format string, args ...any) {
	if cond {
		return
	}
	fail(2, format, args...)
}

// Fail always panics.
func Fail(format string, args ...any) {
	fail(2, format, args...)
}

func fail(skip int, format string, args ...any) {
	frame := stack.Caller(skip).Frame()
	msg := fmt.Sprintf(format, args...)
	slog.Default().Error("assertion failed",
		slog.String("msg", msg),
		slog.String("file", frame.File),
		slog.Int("line", frame.Line),
		slog.String("func", frame.Function))
	panic(errors.AssertionFailedf("%s (%s:%d)", msg, frame.File, frame.Line))
}
