//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning returns the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	if pid <= 0 {
		return pid, false
	}
	// FindProcess opens a handle and fails for exited processes.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	_ = proc.Release()
	return pid, true
}

// Signal stops the recorded process. Windows has no SIGTERM delivery, so
// every signal terminates it.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if sig == syscall.Signal(0) {
		return nil
	}
	return proc.Kill()
}
