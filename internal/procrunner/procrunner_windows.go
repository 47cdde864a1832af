//go:build windows

package procrunner

import (
	"fmt"
	"os/exec"
)

// setProcessGroup is a no-op placeholder on Windows; process-tree
// termination is instead handled by taskkill in signalGroup below.
func setProcessGroup(cmd *exec.Cmd) {}

// signalGroup terminates the process tree. Windows has no equivalent of a
// graceful process-group signal, so sigTerm and sigKill both map to
// taskkill, matching the platform's usual stop-then-force pattern.
func (h *Handle) signalGroup(sig signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	args := []string{"/PID", fmt.Sprint(h.cmd.Process.Pid), "/T"}
	if sig == sigKill {
		args = append(args, "/F")
	}
	return exec.Command("taskkill", args...).Run()
}
