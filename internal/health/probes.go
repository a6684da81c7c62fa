package health

import (
	"context"
	"fmt"
	"net"
	"os/exec"

	"github.com/loykin/keepalive/internal/process"
)

// TCPProbe succeeds when a TCP connection to Address can be established.
type TCPProbe struct{ Address string }

func (p TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p TCPProbe) Describe() string { return "tcp:" + p.Address }

// CommandProbe runs a command that should exit zero while the application is
// responsive. The command is killed when ctx ends.
type CommandProbe struct{ Command string }

func (p CommandProbe) Check(ctx context.Context) error {
	base := process.Spec{Command: p.Command}.BuildCommand()
	// #nosec G204 -- probe command comes from operator configuration
	cmd := exec.CommandContext(ctx, base.Path, base.Args[1:]...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", p.Command, err)
	}
	return nil
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }
