package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/collaborators"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
)

type fakeBus struct {
	mu   sync.Mutex
	sent []*bus.Message
}

func (f *fakeBus) Send(ctx context.Context, msg *bus.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeBus) ConsumeNext(ctx context.Context, timeout time.Duration) (*bus.Message, error) {
	return nil, nil
}
func (f *fakeBus) Acknowledge(ctx context.Context, id string) error { return nil }
func (f *fakeBus) Fail(ctx context.Context, id string, msg *bus.Message, reason string) error {
	return nil
}
func (f *fakeBus) Stats(ctx context.Context) (*bus.QueueStats, error) { return &bus.QueueStats{}, nil }
func (f *fakeBus) ResetAll(ctx context.Context) (*bus.ResetResult, error) {
	return &bus.ResetResult{}, nil
}

func (f *fakeBus) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Kind
	}
	return out
}

type fakeEvents struct {
	mu        sync.Mutex
	published []events.Event
}

func (f *fakeEvents) Publish(ctx context.Context, name string, event events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}
func (f *fakeEvents) Subscribe(ctx context.Context, name string) (<-chan events.Event, func(), error) {
	return nil, func() {}, nil
}

func TestExecutorSimulateModePasses(t *testing.T) {
	dir := t.TempDir()
	db := collaborators.NewInMemoryDB()
	b := &fakeBus{}
	ev := &fakeEvents{}
	cfg := DefaultConfig()
	cfg.ReportRoot = dir
	e := New(collaborators.SimulateRunner{}, db, ev, b, cfg, &core.NoOpLogger{})

	msg := &bus.Message{ID: "M1", Kind: "EXECUTION_REQUEST", Payload: map[string]interface{}{"executionId": "E1"}}
	require.NoError(t, e.OnMessage(context.Background(), msg))

	reports, err := db.ListExecutionReports(context.Background(), "E1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "passed", reports[0].Status)

	ev.mu.Lock()
	require.Len(t, ev.published, 1)
	assert.Equal(t, "passed", ev.published[0].Data["status"])
	ev.mu.Unlock()

	assert.ElementsMatch(t, []string{"EXECUTION_RESULT", "GENERATE_REPORT"}, b.kinds())

	rec, ok := e.Record("E1")
	require.True(t, ok)
	assert.Equal(t, "passed", rec.Status)
}

func TestExecutorProcessModeFails(t *testing.T) {
	dir := t.TempDir()
	db := collaborators.NewInMemoryDB()
	b := &fakeBus{}
	cfg := DefaultConfig()
	cfg.Mode = "process"
	cfg.ReportRoot = dir
	cfg.Timeout = 5 * time.Second
	runner := collaborators.ProcessRunner{Command: "sh", BaseArgs: []string{"-c", "exit 7"}}
	e := New(runner, db, nil, b, cfg, &core.NoOpLogger{})

	msg := &bus.Message{ID: "M2", Kind: "EXECUTION_REQUEST", Payload: map[string]interface{}{"executionId": "E2"}}
	require.NoError(t, e.OnMessage(context.Background(), msg))

	reports, err := db.ListExecutionReports(context.Background(), "E2")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "failed", reports[0].Status)
	assert.Contains(t, reports[0].Message, "exit code 7")

	b.mu.Lock()
	var sawFailure bool
	for _, m := range b.sent {
		if m.Kind == "EXECUTION_FAILURE" {
			sawFailure = true
			assert.Equal(t, "context", m.Target.Type)
		}
	}
	b.mu.Unlock()
	assert.True(t, sawFailure, "expected an EXECUTION_FAILURE message to context")
}

func TestExecutorSkipsCanceledExecution(t *testing.T) {
	dir := t.TempDir()
	db := collaborators.NewInMemoryDB()
	b := &fakeBus{}
	ev := &fakeEvents{}
	cfg := DefaultConfig()
	cfg.ReportRoot = dir
	e := New(collaborators.SimulateRunner{}, db, ev, b, cfg, &core.NoOpLogger{})

	require.NoError(t, e.OnMessage(context.Background(), &bus.Message{
		ID: "C1", Kind: "EXECUTION_CANCEL", Payload: map[string]interface{}{"executionId": "E3"},
	}))
	require.NoError(t, e.OnMessage(context.Background(), &bus.Message{
		ID: "M3", Kind: "EXECUTION_REQUEST", Payload: map[string]interface{}{"executionId": "E3"},
	}))

	rec, ok := e.Record("E3")
	require.True(t, ok)
	assert.Equal(t, "canceled", rec.Status)

	ev.mu.Lock()
	require.Len(t, ev.published, 1)
	assert.Equal(t, "skipped", ev.published[0].Data["status"])
	ev.mu.Unlock()

	reports, err := db.ListExecutionReports(context.Background(), "E3")
	require.NoError(t, err)
	assert.Empty(t, reports, "no execution report should be persisted for a pre-canceled run")

	assert.Empty(t, b.kinds(), "no follow-up messages for a pre-canceled run")
}
