//go:build !unix

package audio

import "os/exec"

func detachSignals(cmd *exec.Cmd) {}
