// SPDX-License-Identifier: MIT

//go:build windows

package supervisor

import "os/exec"

// Process groups are not usable for signaling on Windows; termination is
// always hard.
func setProcessGroup(*exec.Cmd) {}

// terminateGroup cannot signal gracefully on Windows, so the grace window
// passes and killGroup does the work.
func terminateGroup(*exec.Cmd) error { return nil }

func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
