//go:build !unix

package process

import (
	"os"
	"syscall"
)

const (
	sigTerm = syscall.Signal(15)
	sigKill = syscall.Signal(9)
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// signalGroup has no process groups to target here; both signals kill the worker.
func signalGroup(proc *os.Process, _ syscall.Signal) error {
	return proc.Kill()
}
