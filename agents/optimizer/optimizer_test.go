package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/state"
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

func (f *fakeBus) messages() []*bus.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*bus.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	return cfg
}

func TestExecutionResultFailureSchedulesRetry(t *testing.T) {
	store := state.NewMemoryBackedStore()
	b := &fakeBus{}
	o := New(store, nil, b, testConfig(), &core.NoOpLogger{})

	msg := &bus.Message{Kind: "EXECUTION_RESULT", Payload: map[string]interface{}{"executionId": "E1", "status": "failed"}}
	require.NoError(t, o.OnMessage(context.Background(), msg))

	sent := b.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "EXECUTION_REQUEST", sent[0].Kind)
	assert.EqualValues(t, 1, sent[0].Payload["rerunAttempt"])
}

func TestExecutionResultPassedResetsAttempts(t *testing.T) {
	store := state.NewMemoryBackedStore()
	ctx := context.Background()
	_, err := store.Incr(ctx, "execAttempts:E2", time.Hour)
	require.NoError(t, err)

	b := &fakeBus{}
	o := New(store, nil, b, testConfig(), &core.NoOpLogger{})

	msg := &bus.Message{Kind: "EXECUTION_RESULT", Payload: map[string]interface{}{"executionId": "E2", "status": "passed"}}
	require.NoError(t, o.OnMessage(ctx, msg))

	val, err := store.Get(ctx, "execAttempts:E2")
	require.NoError(t, err)
	assert.Equal(t, "0", val)
	assert.Empty(t, b.messages())
}

func TestExecutionResultExhaustedStopsRetrying(t *testing.T) {
	store := state.NewMemoryBackedStore()
	ctx := context.Background()
	b := &fakeBus{}
	cfg := testConfig()
	cfg.MaxAttempts = 1
	o := New(store, nil, b, cfg, &core.NoOpLogger{})

	msg := &bus.Message{Kind: "EXECUTION_RESULT", Payload: map[string]interface{}{"executionId": "E3", "status": "failed"}}
	require.NoError(t, o.OnMessage(ctx, msg)) // attempt 1 <= max(1): retries
	require.NoError(t, o.OnMessage(ctx, msg)) // attempt 2 > max(1): gives up

	sent := b.messages()
	require.Len(t, sent, 1, "only the first failure should schedule a retry")
}

func TestOptimizeTestFileRequestsLocatorSynthesis(t *testing.T) {
	store := state.NewMemoryBackedStore()
	b := &fakeBus{}
	o := New(store, nil, b, testConfig(), &core.NoOpLogger{})

	msg := &bus.Message{Kind: "OPTIMIZE_TEST_FILE", Payload: map[string]interface{}{
		"executionId":      "E4",
		"testFilePath":     "tests/header.spec.ts",
		"originalSelector": "getByRole('banner')",
	}}
	require.NoError(t, o.OnMessage(context.Background(), msg))

	sent := b.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "LOCATOR_SYNTHESIS_REQUEST", sent[0].Kind)
	assert.Equal(t, "locator", sent[0].Target.Type)
	element := sent[0].Payload["element"].(map[string]interface{})
	assert.Equal(t, "banner", element["role"])
}

func TestLocatorCandidatesAppliesReplacementAndEnqueuesRerun(t *testing.T) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "header.spec.ts")
	require.NoError(t, os.WriteFile(testFile, []byte("await page.getByRole('banner').click();\n"), 0o644))

	store := state.NewMemoryBackedStore()
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, "opt:pending:E5", pendingState{
		TestFilePath:     testFile,
		OriginalSelector: "getByRole('banner')",
		ElementDesc:      map[string]string{"role": "banner"},
		AttemptNumber:    1,
	}, time.Minute))

	b := &fakeBus{}
	o := New(store, nil, b, testConfig(), &core.NoOpLogger{})

	msg := &bus.Message{Kind: "LOCATOR_CANDIDATES", Payload: map[string]interface{}{
		"context": map[string]interface{}{
			"optimizationContext": map[string]interface{}{
				"execId":        "E5",
				"attemptNumber": 1,
			},
		},
		"candidates": []interface{}{
			map[string]interface{}{"selector": `[data-testid="banner"]`, "score": 15},
		},
	}}
	require.NoError(t, o.OnMessage(ctx, msg))

	data, err := os.ReadFile(testFile)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "getByTestId('banner')")
	assert.Contains(t, content, "// OPTIMIZER_PATCH: getByRole('banner') => getByTestId('banner') [candidateIndex=0]")
	assert.NotContains(t, content, "getByRole('banner').click")

	var pending pendingState
	found, err := store.GetJSON(ctx, "opt:pending:E5", &pending)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, pending.CandidateIndex)

	sent := b.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "EXECUTION_REQUEST", sent[0].Kind)
	assert.Equal(t, testFile, sent[0].Payload["testFilePath"])
}

func TestToPlaywrightLocatorTranslatesLocatorSelectors(t *testing.T) {
	cases := []struct {
		selector string
		want     string
	}{
		{`[data-testid="save-btn"]`, `getByTestId('save-btn')`},
		{`role=button[name=Save]`, `getByRole('button', { name: 'Save' })`},
		{`role=banner`, `getByRole('banner')`},
		{`#save`, `locator('#save')`},
		{`text="Click me"`, `getByText('Click me')`},
		{`button.primary`, `locator('button.primary')`},
		{`button`, `locator('button')`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, toPlaywrightLocator(tc.selector), tc.selector)
	}
}

func TestLocatorCandidatesDropsStaleAttempt(t *testing.T) {
	store := state.NewMemoryBackedStore()
	ctx := context.Background()
	require.NoError(t, store.SetJSON(ctx, "opt:pending:E6", pendingState{AttemptNumber: 3}, time.Minute))

	b := &fakeBus{}
	o := New(store, nil, b, testConfig(), &core.NoOpLogger{})

	msg := &bus.Message{Kind: "LOCATOR_CANDIDATES", Payload: map[string]interface{}{
		"context": map[string]interface{}{
			"optimizationContext": map[string]interface{}{"execId": "E6", "attemptNumber": 1},
		},
	}}
	require.NoError(t, o.OnMessage(ctx, msg))
	assert.Empty(t, b.messages())
}
