//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs starts the background server in its own process group.
func setDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// shutdownSignals are the signals that drain the API server.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM asks the background server to exit.
func sigTERM() syscall.Signal { return syscall.SIGTERM }

// sigKILL ends a server that ignored sigTERM.
func sigKILL() syscall.Signal { return syscall.SIGKILL }
