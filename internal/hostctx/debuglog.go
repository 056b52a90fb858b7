package hostctx

import (
	"fmt"
	"strings"
	"time"

	"gritsync/internal/term"
)

// logRun writes one debug-level line for a completed Run invocation: host
// name, argv, and duration; on failure the captured stderr tail is appended.
// A nil w (the common case when --verbose wasn't passed) makes this a no-op.
func logRun(w *term.Writer, hostName string, argv []string, start time.Time, res RunResult, err error) {
	if w == nil {
		return
	}
	elapsed := time.Since(start)
	if err != nil {
		w.WriteLine(fmt.Sprintf("%s: run %s (%s): %v", hostName, strings.Join(argv, " "), elapsed, err))
		return
	}
	if res.ExitCode != 0 {
		w.WriteLine(fmt.Sprintf("%s: run %s (%s) exit=%d: %s", hostName, strings.Join(argv, " "), elapsed, res.ExitCode, stderrTail(res.Stderr)))
		return
	}
	w.WriteLine(fmt.Sprintf("%s: run %s (%s)", hostName, strings.Join(argv, " "), elapsed))
}

// logPopen writes one debug-level line for a Popen launch. There's no
// duration to report since the caller gets a handle to a still-running
// process, not a finished one.
func logPopen(w *term.Writer, hostName string, argv []string, err error) {
	if w == nil {
		return
	}
	if err != nil {
		w.WriteLine(fmt.Sprintf("%s: popen %s: %v", hostName, strings.Join(argv, " "), err))
		return
	}
	w.WriteLine(fmt.Sprintf("%s: popen %s", hostName, strings.Join(argv, " ")))
}

// stderrTail keeps only the last few lines of stderr, matching the Terminal
// Writer's own tail-line philosophy of never dumping unbounded output.
func stderrTail(stderr string) string {
	const maxLines = 3
	trimmed := strings.TrimRight(stderr, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, " | ")
}
