package logger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
)

// DefaultTailLines is used when a non-positive line count is requested.
const DefaultTailLines = 50

// MaxTailLines caps a single Tail request.
const MaxTailLines = 10000

// maxTailLineBytes bounds a single line read by Tail.
const maxTailLineBytes = 1 << 20

// Tail returns up to n trailing lines of the file at path. A missing file
// yields no lines and no error, since a process that never wrote output has
// no log yet.
func Tail(path string, n int) ([]string, error) {
	if path == "" {
		return nil, errors.New("log path not configured")
	}
	if n <= 0 {
		n = DefaultTailLines
	}
	if n > MaxTailLines {
		n = MaxTailLines
	}
	// #nosec G304 -- path is derived from operator configuration
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTailLineBytes)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	if count <= n {
		return append([]string(nil), ring[:count]...), nil
	}
	start := count % n
	out := make([]string, 0, n)
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
