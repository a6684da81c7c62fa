package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is the identity record stored after the pid line of a pid file.
type PIDMeta struct {
	Name      string `json:"name"`
	StartUnix int64  `json:"start_unix"`
	Command   string `json:"command,omitempty"`
}

// WritePIDFile writes pid on the first line followed by a JSON PIDMeta line.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a pid file written by WritePIDFile.
// Files that carry only a pid return a nil meta.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	// #nosec G304 -- pid file path comes from operator configuration
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, nil, fmt.Errorf("parse pid file %s: invalid pid %d", path, pid)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		return pid, nil, nil
	}
	return pid, &meta, nil
}
