//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs detaches the background server from the terminal session.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// shutdownSignals are the signals that drain the API server.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// sigTERM asks the background server to drain and exit.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL ends a server that ignored sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
