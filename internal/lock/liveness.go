package lock

import (
	"os"
	"syscall"
)

// processAlive probes pid with a no-op signal and interprets failure as
// "process gone". Only meaningful for pids on the local host; the caller
// checks the hostname first.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
