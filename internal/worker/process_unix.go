//go:build !windows

package worker

import (
	"os"
	"syscall"
)

// interrupt asks the worker to stop the way a terminal Ctrl+C would.
func interrupt(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

// interruptedBySignal reports whether the worker died from SIGINT or SIGTERM,
// which happens when the operator's Ctrl+C reaches the whole process group
// before the supervisor notices it.
func interruptedBySignal(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return false
	}
	sig := status.Signal()
	return sig == syscall.SIGINT || sig == syscall.SIGTERM
}
