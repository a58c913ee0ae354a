package stack

import (
	"fmt"
	"runtime"
	"strings"
)

const maxDepth = 64

// Trace returns the stack of the calling goroutine, most recent call first,
// without runtime frames. skip drops that many frames below the caller of
// Trace. When called from a deferred recover the panicking frame is the first
// one listed.
func Trace(skip int) string {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(2+skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") && !strings.HasPrefix(frame.Function, "testing.") {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}

		if !more {
			break
		}
	}

	return b.String()
}
