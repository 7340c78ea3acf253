//go:build unix

package audio

import (
	"os/exec"
	"syscall"
)

// detachSignals starts cmd in its own process group so a terminal Ctrl+C
// reaches only this process, which then stops ffmpeg through Stop.
func detachSignals(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
