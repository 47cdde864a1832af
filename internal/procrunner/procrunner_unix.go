//go:build !windows

package procrunner

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd so its children land in a new process
// group, allowing the whole tree to be signalled together (spec §4.2, §9).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the process group owning h's process.
func (h *Handle) signalGroup(sig signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	pgid := h.cmd.Process.Pid
	unixSig := syscall.SIGTERM
	if sig == sigKill {
		unixSig = syscall.SIGKILL
	}
	return syscall.Kill(-pgid, unixSig)
}
