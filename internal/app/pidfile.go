package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var errPIDFileEmpty = errors.New("pid file is empty")

// claimPIDFile records the current process in path. The returned release
// removes the file only while it still names this process. An empty path
// disables the pid file.
func claimPIDFile(path string) (release func(), err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("pid file dir: %w", err)
	}
	if owner, err := readPIDFile(path); err == nil && pidRunning(owner) {
		return nil, fmt.Errorf("pid file %q points to running process %d", path, owner)
	}

	self := os.Getpid()
	if err := writePIDFile(path, self); err != nil {
		return nil, fmt.Errorf("write pid file %q: %w", path, err)
	}
	return func() {
		if owner, err := readPIDFile(path); err == nil && owner == self {
			_ = os.Remove(path)
		}
	}, nil
}

// writePIDFile replaces path atomically so readers never see a partial pid.
func writePIDFile(path string, pid int) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("%q: %w", path, errPIDFileEmpty)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q holds %q, not a pid", path, raw)
	}
	return pid, nil
}
