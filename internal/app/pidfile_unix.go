//go:build !windows

package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// pidRunning reports false for zombies.
func pidRunning(pid int) bool {
	if pid <= 0 || zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// zombie reads the state field of /proc/<pid>/stat. Systems without procfs
// report false.
func zombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// the command name may contain spaces; the state follows its closing paren
	stat := string(data)
	if i := strings.LastIndexByte(stat, ')'); i >= 0 {
		stat = stat[i+1:]
	}
	fields := strings.Fields(stat)
	return len(fields) > 0 && fields[0] == "Z"
}
