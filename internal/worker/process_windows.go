//go:build windows

package worker

import "os"

// interrupt stops the worker. Windows cannot deliver os.Interrupt to another
// process, so the worker is killed outright.
func interrupt(p *os.Process) error {
	return p.Kill()
}

func interruptedBySignal(state *os.ProcessState) bool {
	return false
}
