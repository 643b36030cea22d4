//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
	"time"
)

const buildOS = "windows"

func setProcAttrs(cmd *exec.Cmd) {}

// killTree terminates the child and everything under it. taskkill /T walks
// the tree; /F forces, since console processes rarely honour WM_CLOSE.
func killTree(pid int, grace time.Duration) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
