package reporter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
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

type fakeBus struct{}

func (f *fakeBus) Send(ctx context.Context, msg *bus.Message) error { return nil }
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

func TestReporterWritesSummaryAndPersistsRow(t *testing.T) {
	dir := t.TempDir()
	db := collaborators.NewInMemoryDB()
	require.NoError(t, db.InsertExecutionReport(context.Background(), collaborators.ExecutionReport{
		ID: "R1", ExecutionID: "E1", ArtifactPath: "reports/E1.html", Status: "passed",
	}))

	ev := &fakeEvents{}
	cfg := Config{ReportRoot: dir}
	r := New(db, ev, &fakeBus{}, cfg, &core.NoOpLogger{})

	msg := &bus.Message{Kind: "GENERATE_REPORT", Payload: map[string]interface{}{"executionId": "E1"}}
	require.NoError(t, r.OnMessage(context.Background(), msg))

	summaryPath := filepath.Join(dir, "E1.summary.json")
	data, err := os.ReadFile(summaryPath)
	require.NoError(t, err)

	var doc summaryDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "E1", doc.ExecutionID)
	require.Len(t, doc.Reports, 1)
	assert.Equal(t, "passed", doc.Reports[0].Status)

	testReports, err := db.ListTestReports(context.Background(), "E1")
	require.NoError(t, err)
	require.Len(t, testReports, 1)
	assert.Equal(t, "json", testReports[0].Type)
	assert.NotContains(t, testReports[0].Path, "\\")

	ev.mu.Lock()
	require.Len(t, ev.published, 1)
	assert.Equal(t, "report.generated", ev.published[0].Kind)
	ev.mu.Unlock()
}

func TestReporterRejectsMissingExecutionID(t *testing.T) {
	db := collaborators.NewInMemoryDB()
	r := New(db, nil, &fakeBus{}, Config{ReportRoot: t.TempDir()}, &core.NoOpLogger{})
	err := r.OnMessage(context.Background(), &bus.Message{Kind: "GENERATE_REPORT", Payload: map[string]interface{}{}})
	assert.Error(t, err)
}
