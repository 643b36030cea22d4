//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const buildOS = "posix"

// setProcAttrs puts the child in its own session so the whole subtree can
// be signalled through the process group.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killTree terminates the child's process group: SIGTERM, a grace wait,
// then SIGKILL for whatever remains.
func killTree(pid int, grace time.Duration) {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		// Group may be gone already; try the single pid.
		unix.Kill(pid, unix.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(-pid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	unix.Kill(-pid, unix.SIGKILL)
}
