//go:build !linux

package sandbox

import "os/exec"

// configureProcessGroup is a no-op off Linux; only the script itself is
// killed on timeout and WaitDelay releases the pipes.
func configureProcessGroup(_ *exec.Cmd) {}

func reapProcessGroup(_ *exec.Cmd) error { return nil }
