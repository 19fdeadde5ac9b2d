//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable.
func setProcessGroup(cmd *exec.Cmd) {}

// killGroup kills the child process directly; group semantics are
// unavailable on this platform.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
