//go:build unix

package dispatch

import (
	"os/exec"
	"syscall"
)

// setProcessGroup detaches the child from the daemon's process group so a
// terminal Ctrl-C reaches the daemon only.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
