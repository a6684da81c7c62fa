package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/keepalive/internal/control"
	"github.com/loykin/keepalive/pkg/client"
)

type command struct {
	global *GlobalFlags
}

func (c *command) apiClient(ctx context.Context) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.global.APIUrl,
		Token:    c.global.Token,
		Timeout:  c.global.APITimeout,
		Insecure: c.global.Insecure,
	}
	if c.global.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.global.CACert}
	}
	api, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if !api.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'keepalive serve'", api.BaseURL())
	}
	return api, nil
}

// Lifecycle runs start, stop or restart through the daemon and prints the
// resulting status. A failed operation still prints the status the daemon
// reported before returning the error.
func (c *command) Lifecycle(ctx context.Context, w io.Writer, intent control.Intent, f LifecycleFlags) error {
	if f.Name == "" {
		return fmt.Errorf("process name is required")
	}
	api, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	var res client.Result
	switch intent {
	case control.IntentStart:
		res, err = api.Start(ctx, f.Name)
	case control.IntentStop:
		res, err = api.Stop(ctx, f.Name)
	case control.IntentRestart:
		res, err = api.Restart(ctx, f.Name)
	default:
		return fmt.Errorf("%w: %s", control.ErrUnknownIntent, intent)
	}
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status != nil {
			printJSON(w, apiErr.Status)
		}
		return err
	}
	printJSON(w, res.Status)
	return nil
}

// Status prints process status as JSON. Unhealthy processes are not an error.
func (c *command) Status(ctx context.Context, w io.Writer, f StatusFlags) error {
	api, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	res, err := api.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	if res.Status != nil {
		printJSON(w, res.Status)
		return nil
	}
	printJSON(w, res.Statuses)
	return nil
}

// Logs prints the tail of a process log, one line per line.
func (c *command) Logs(ctx context.Context, w io.Writer, f LogsFlags) error {
	if f.Name == "" {
		return fmt.Errorf("process name is required")
	}
	api, err := c.apiClient(ctx)
	if err != nil {
		return err
	}
	res, err := api.Logs(ctx, client.LogsQuery{Name: f.Name, Stream: f.Stream, Lines: f.Lines})
	if err != nil {
		return err
	}
	for _, l := range res.Lines {
		_, _ = fmt.Fprintln(w, l)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "%v\n", v)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}
