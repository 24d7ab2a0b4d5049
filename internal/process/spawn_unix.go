//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// setProcGroup puts the child in its own process group so the whole tree
// can be signalled.
func setProcGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// startPTY starts cmd on a new pseudo-terminal. pty.Start makes the child a
// session leader, so its pid is also its process group id.
func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// signalGroup signals the process group led by p, falling back to p alone.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err != nil {
		return p.Signal(sig)
	}
	return nil
}
