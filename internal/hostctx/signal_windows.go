//go:build windows

package hostctx

import "os"

// terminateSignal on Windows: os.Interrupt is the closest portable
// equivalent exec.Process.Signal supports; Kill is used as the real
// stop mechanism via the supervisor's escalation path.
func terminateSignal() os.Signal {
	return os.Interrupt
}
