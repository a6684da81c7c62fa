package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepalive/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now, Name: "web", PID: 4242}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventRestartAttempt, OccurredAt: now, Name: "web", Attempt: 1, Result: "not-running"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventRestartAttempt, OccurredAt: now, Name: "web", Attempt: 2, Error: "spawn failed"}))

	n, err := sink.Count(ctx, "web", history.EventRestartAttempt)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.Count(ctx, "web", history.EventFatal)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventFatal, OccurredAt: time.Now(), Name: "tunnel", Message: "restart budget exhausted"}))
	n, err := sink.Count(ctx, "tunnel", history.EventFatal)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(), Name: "x"}))
}

func TestNew_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
