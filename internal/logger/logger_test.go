package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	outW, errW, err := cfg.Writers("demo", true)
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "demo.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "demo.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestWriters_RotationDefaults(t *testing.T) {
	cfg := FileConfig{StdoutPath: filepath.Join(t.TempDir(), "x.log")}
	outW, errW, err := cfg.Writers("n", true)
	require.NoError(t, err)
	defer closeIf(outW)
	assert.Nil(t, errW)

	ol, ok := outW.(*lj.Logger)
	require.True(t, ok, "rotating writer must be a lumberjack logger")
	assert.Equal(t, DefaultMaxSizeMB, ol.MaxSize)
	assert.Equal(t, DefaultMaxBackups, ol.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, ol.MaxAge)
}

func TestWriters_DirectFilesAppend(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: filepath.Join(dir, "nested")}

	for i := 0; i < 2; i++ {
		outW, errW, err := cfg.Writers("bot", false)
		require.NoError(t, err)
		_, isFile := outW.(*os.File)
		require.True(t, isFile, "detached writers must be plain files")
		_, _ = fmt.Fprintf(outW, "line-%d\n", i)
		closeIf(outW)
		closeIf(errW)
	}

	b, err := os.ReadFile(filepath.Join(dir, "nested", "bot.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "line-0\nline-1\n", string(b))
}

func TestPaths_ExplicitOverridesDir(t *testing.T) {
	cfg := FileConfig{Dir: "/var/log/k", StderrPath: "/tmp/custom.err"}
	out, errp := cfg.Paths("web")
	assert.Equal(t, filepath.Join("/var/log/k", "web.stdout.log"), out)
	assert.Equal(t, "/tmp/custom.err", errp)
	assert.True(t, cfg.Enabled())
	assert.False(t, FileConfig{}.Enabled())
}

func TestTail(t *testing.T) {
	p := filepath.Join(t.TempDir(), "t.log")
	var sb strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&sb, "l%d\n", i)
	}
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o600))

	lines, err := Tail(p, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"l8", "l9", "l10"}, lines)

	lines, err = Tail(p, 50)
	require.NoError(t, err)
	assert.Len(t, lines, 10)
	assert.Equal(t, "l1", lines[0])
}

func TestTail_ClampsLineCount(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.log")
	var sb strings.Builder
	for i := 1; i <= MaxTailLines+5; i++ {
		fmt.Fprintf(&sb, "l%d\n", i)
	}
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o600))

	lines, err := Tail(p, int(^uint(0)>>1))
	require.NoError(t, err)
	require.Len(t, lines, MaxTailLines)
	assert.Equal(t, "l6", lines[0])
	assert.Equal(t, fmt.Sprintf("l%d", MaxTailLines+5), lines[len(lines)-1])
}

func TestTail_MissingFile(t *testing.T) {
	lines, err := Tail(filepath.Join(t.TempDir(), "absent.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = Tail("", 5)
	assert.Error(t, err)
}

func TestNewSlogger_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SlogConfig{Level: "warn", Format: FormatJSON}.NewSlogger(&buf)
	l.Info("hidden")
	l.Warn("shown", "name", "web")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"name":"web"`)
	assert.NotContains(t, out, `"time"`)
}

func TestColorTextHandler_PrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SlogConfig{Level: "debug", Color: true, TimeStamps: true}.NewSlogger(&buf)
	l.With("name", "tunnel").Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR")
	assert.Contains(t, out, "name=tunnel")
}
