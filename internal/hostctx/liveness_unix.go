//go:build unix

package hostctx

import "golang.org/x/sys/unix"

// ProcessAlive sends the null signal to a local PID, the standard POSIX
// way to probe liveness without actually signaling the process. It only
// answers for the machine this binary runs on; a remote PID must be
// checked via Host.Run instead.
func ProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
