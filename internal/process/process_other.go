//go:build !darwin && !linux

package process

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

// terminateProcess has no graceful signal off unix; it kills the process.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
