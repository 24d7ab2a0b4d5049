//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var errPTYUnsupported = errors.New("pty mode is not supported on windows")

// setProcGroup is a no-op on Windows.
func setProcGroup(cmd *exec.Cmd) {}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, errPTYUnsupported
}

// signalGroup kills the process; Windows has no SIGTERM delivery.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	return p.Kill()
}
