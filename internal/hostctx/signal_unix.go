//go:build unix

package hostctx

import "os"
import "syscall"

// terminateSignal is the graceful-shutdown signal sent to a supervised
// process before escalating to Kill.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
