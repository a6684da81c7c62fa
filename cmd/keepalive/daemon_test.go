package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestDaemonArgs(t *testing.T) {
	cases := []struct {
		in      []string
		pidFile string
		want    []string
	}{
		{[]string{"serve", "c.toml", "--daemonize"}, "", []string{"serve", "c.toml"}},
		{[]string{"serve", "--daemonize", "--logfile", "d.log", "c.toml"}, "", []string{"serve", "c.toml"}},
		{[]string{"serve", "--pidfile=/run/k.pid", "--daemonize=true", "--config", "c.toml"}, "/run/k.pid",
			[]string{"serve", "--config", "c.toml", "--pidfile", "/run/k.pid"}},
	}
	for _, c := range cases {
		if got := daemonArgs(c.in, c.pidFile); !reflect.DeepEqual(got, c.want) {
			t.Errorf("daemonArgs(%v)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestPidFileRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "keepalive.pid")
	if err := writePidFile(p, 1234); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := strconv.Atoi(string(b)); n != 1234 {
		t.Errorf("unexpected pid file contents %q", b)
	}
	if err := removePidFile(p); err != nil {
		t.Fatal(err)
	}
	if err := removePidFile(""); err != nil {
		t.Errorf("empty path is a no-op, got %v", err)
	}
}
