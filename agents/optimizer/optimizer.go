// Package optimizer implements the Optimizer Agent (C8): it observes
// execution failures and retries them with backoff, recording an
// investigate-flaky recommendation once the attempt budget is spent, and
// on OPTIMIZE_TEST_FILE drives locator rewriting via the Locator Agent.
package optimizer

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/testorch/coordinator/agents/internal/dispatch"
	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
	"github.com/testorch/coordinator/state"
)

// Config tunes retry budget and backoff.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	AttemptsTTL time.Duration
	PendingTTL  time.Duration

	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the spec's default Optimizer tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		AttemptsTTL: time.Hour,
		PendingTTL:  10 * time.Minute,
	}
}

// pendingState mirrors §3's "Optimizer pending state" record.
type pendingState struct {
	TestFilePath     string            `json:"testFilePath"`
	OriginalSelector string            `json:"originalSelector"`
	ElementDesc      map[string]string `json:"elementDesc"`
	CandidateIndex   int               `json:"candidateIndex"`
	Candidates       []string          `json:"candidates"`
	LastApplied      string            `json:"lastApplied,omitempty"`
	AttemptNumber    int               `json:"attemptNumber"`
}

// Optimizer implements agent.Handler for EXECUTION_RESULT, OPTIMIZE_RECENT,
// OPTIMIZE_TEST_FILE, and LOCATOR_CANDIDATES.
type Optimizer struct {
	store  state.Store
	events events.Channel
	bus    bus.Bus
	logger core.Logger
	config Config
	source bus.Source
}

// New builds an Optimizer.
func New(store state.Store, ch events.Channel, b bus.Bus, cfg Config, logger core.Logger) *Optimizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.AttemptsTTL <= 0 {
		cfg.AttemptsTTL = time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/optimizer")
	}
	return &Optimizer{
		store:  store,
		events: ch,
		bus:    b,
		logger: logger,
		config: cfg,
		source: bus.Source{Type: "optimizer", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (o *Optimizer) OnInitialize(ctx context.Context) error { return nil }

func (o *Optimizer) OnShutdown(ctx context.Context) error { return nil }

func (o *Optimizer) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "EXECUTION_RESULT":
		return o.handleExecutionResult(ctx, msg)
	case "OPTIMIZE_RECENT":
		// No recent-execution sweep is defined by this system: logged as an
		// acknowledged hook point rather than silently dropped.
		o.logger.InfoWithContext(ctx, "OPTIMIZE_RECENT received; no recent-execution sweep implemented", nil)
		return nil
	case "OPTIMIZE_TEST_FILE":
		return o.handleOptimizeTestFile(ctx, msg)
	case "LOCATOR_CANDIDATES":
		return o.handleLocatorCandidates(ctx, msg)
	default:
		return fmt.Errorf("optimizer: unsupported message kind %q", msg.Kind)
	}
}

func attemptsKey(executionID string) string {
	return fmt.Sprintf("execAttempts:%s", executionID)
}

func pendingKey(executionID string) string {
	return fmt.Sprintf("opt:pending:%s", executionID)
}

func (o *Optimizer) handleExecutionResult(ctx context.Context, msg *bus.Message) error {
	executionID := payload.String(msg.Payload, "executionId")
	status := payload.String(msg.Payload, "status")
	key := attemptsKey(executionID)

	if status == "passed" {
		return o.store.Reset(ctx, key, o.config.AttemptsTTL)
	}

	current, err := o.currentAttempts(ctx, key)
	if err != nil {
		return fmt.Errorf("optimizer: reading attempt count: %w", err)
	}
	if current == 0 {
		o.recordRecommendation(ctx, executionID, "increase-retries", "medium")
	}

	next, err := o.store.Incr(ctx, key, o.config.AttemptsTTL)
	if err != nil {
		return fmt.Errorf("optimizer: incrementing attempt count: %w", err)
	}

	if next <= int64(o.config.MaxAttempts) {
		select {
		case <-time.After(o.config.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		execMsg := dispatch.New(o.source, "executor", "EXECUTION_REQUEST", bus.PriorityNormal, map[string]interface{}{
			"executionId":  executionID,
			"rerunAttempt": next,
		})
		return o.bus.Send(ctx, execMsg)
	}

	o.recordRecommendation(ctx, executionID, "investigate-flaky", "high")
	return nil
}

func (o *Optimizer) currentAttempts(ctx context.Context, key string) (int64, error) {
	raw, err := o.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (o *Optimizer) recordRecommendation(ctx context.Context, executionID, kind, severity string) {
	o.logger.WarnWithContext(ctx, "Optimizer recommendation", map[string]interface{}{
		"executionId": executionID, "type": kind, "severity": severity,
	})
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, "optimizer.recommendation", events.Event{
		Kind:      "optimizer.recommendation",
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"executionId": executionID, "type": kind, "severity": severity,
		},
	}); err != nil {
		o.logger.Warn("Failed to publish optimizer recommendation", map[string]interface{}{"error": err.Error()})
	}
}

func (o *Optimizer) handleOptimizeTestFile(ctx context.Context, msg *bus.Message) error {
	executionID := payload.String(msg.Payload, "executionId")
	testFilePath := payload.String(msg.Payload, "testFilePath")
	originalSelector := payload.String(msg.Payload, "originalSelector")

	key := pendingKey(executionID)
	var pending pendingState
	found, err := o.store.GetJSON(ctx, key, &pending)
	if err != nil {
		return fmt.Errorf("optimizer: loading pending state: %w", err)
	}
	if !found {
		pending = pendingState{
			TestFilePath:     testFilePath,
			OriginalSelector: originalSelector,
			ElementDesc:      deriveElementDescriptor(originalSelector),
		}
	}
	pending.AttemptNumber++

	if err := o.store.SetJSON(ctx, key, pending, o.config.PendingTTL); err != nil {
		return fmt.Errorf("optimizer: persisting pending state: %w", err)
	}

	reqMsg := dispatch.New(o.source, "locator", "LOCATOR_SYNTHESIS_REQUEST", bus.PriorityNormal, map[string]interface{}{
		"requestId": uuid.NewString(),
		"element":   toInterfaceMap(pending.ElementDesc),
		"context": map[string]interface{}{
			"optimizationContext": map[string]interface{}{
				"execId":           executionID,
				"testFilePath":     pending.TestFilePath,
				"originalSelector": pending.OriginalSelector,
				"attemptNumber":    pending.AttemptNumber,
			},
		},
	})
	return o.bus.Send(ctx, reqMsg)
}

func (o *Optimizer) handleLocatorCandidates(ctx context.Context, msg *bus.Message) error {
	msgCtx := payload.Map(msg.Payload, "context")
	optimizationContext := payload.Map(msgCtx, "optimizationContext")
	executionID := payload.String(optimizationContext, "execId")
	attemptNumber := payload.Int(optimizationContext, "attemptNumber")

	key := pendingKey(executionID)
	var pending pendingState
	found, err := o.store.GetJSON(ctx, key, &pending)
	if err != nil {
		return fmt.Errorf("optimizer: loading pending state: %w", err)
	}
	if !found {
		o.logger.WarnWithContext(ctx, "Locator candidates for unknown pending state", map[string]interface{}{"executionId": executionID})
		return nil
	}
	if attemptNumber < pending.AttemptNumber {
		o.logger.DebugWithContext(ctx, "Dropping stale locator candidates", map[string]interface{}{"executionId": executionID})
		return nil
	}

	pending.Candidates = mergeCandidates(pending.Candidates, candidateSelectors(msg.Payload))

	replacement, idx, ok := nextReplacement(pending)
	if !ok {
		o.logger.WarnWithContext(ctx, "No replacement candidate available", map[string]interface{}{"executionId": executionID})
		return o.store.SetJSON(ctx, key, pending, o.config.PendingTTL)
	}

	marker := patchMarker(pending.OriginalSelector, replacement, idx)
	applied, err := applyReplacement(pending.TestFilePath, pending.OriginalSelector, replacement, marker)
	if err != nil {
		return fmt.Errorf("optimizer: applying replacement: %w", err)
	}
	if applied {
		pending.LastApplied = replacement
	}
	pending.CandidateIndex = idx + 1

	if err := o.store.SetJSON(ctx, key, pending, o.config.PendingTTL); err != nil {
		return fmt.Errorf("optimizer: persisting pending state: %w", err)
	}

	execMsg := dispatch.New(o.source, "executor", "EXECUTION_REQUEST", bus.PriorityNormal, map[string]interface{}{
		"testFilePath": pending.TestFilePath,
		"executionId":  executionID,
	})
	return o.bus.Send(ctx, execMsg)
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func candidateSelectors(msgPayload map[string]interface{}) []string {
	var out []string
	for _, c := range payload.StringMapSlice(msgPayload, "candidates") {
		if sel := payload.String(c, "selector"); sel != "" {
			out = append(out, toPlaywrightLocator(sel))
		}
	}
	return out
}

var (
	dataTestIDSelectorPattern = regexp.MustCompile(`^\[data-testid="((?:[^"\\]|\\.)*)"\]$`)
	roleSelectorPattern       = regexp.MustCompile(`^role=([^\[]+)(?:\[name=(.+)\])?$`)
	textSelectorPattern       = regexp.MustCompile(`^text="((?:[^"\\]|\\.)*)"$`)
)

// toPlaywrightLocator translates one of the Locator Agent's raw CSS/attribute
// selector strings (agents/locator/locator.go's score table: data-testid,
// role[+name], id, text, tag[.class]) into the Playwright locator-call
// syntax the managed test files actually use, so a replacement spliced into
// a test file reads like a locator call rather than a bare CSS selector.
// Forms with no dedicated Playwright call (id, tag/tag.class) fall back to
// a plain page.locator(...) CSS selector, which Playwright accepts as-is.
func toPlaywrightLocator(selector string) string {
	if m := dataTestIDSelectorPattern.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByTestId(%s)", jsStringLiteral(unescapeQuote(m[1])))
	}
	if m := roleSelectorPattern.FindStringSubmatch(selector); m != nil {
		if m[2] != "" {
			return fmt.Sprintf("getByRole(%s, { name: %s })", jsStringLiteral(m[1]), jsStringLiteral(m[2]))
		}
		return fmt.Sprintf("getByRole(%s)", jsStringLiteral(m[1]))
	}
	if m := textSelectorPattern.FindStringSubmatch(selector); m != nil {
		return fmt.Sprintf("getByText(%s)", jsStringLiteral(unescapeQuote(m[1])))
	}
	return fmt.Sprintf("locator(%s)", jsStringLiteral(selector))
}

// unescapeQuote reverses the Locator Agent's escapeAttrValue double-quote
// escaping before the value is re-escaped for a JS single-quoted literal.
func unescapeQuote(s string) string {
	return strings.ReplaceAll(s, `\"`, `"`)
}

// jsStringLiteral renders s as a single-quoted JS string literal, escaping
// backslashes and single quotes.
func jsStringLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// mergeCandidates appends incoming selectors not already present, preserving
// the existing order.
func mergeCandidates(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	out := existing
	for _, s := range incoming {
		if !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

// nextReplacement picks candidates[candidateIndex], falling back to a
// deterministic list derived from the element descriptor once the ranked
// candidates are exhausted.
func nextReplacement(p pendingState) (string, int, bool) {
	if p.CandidateIndex < len(p.Candidates) {
		return p.Candidates[p.CandidateIndex], p.CandidateIndex, true
	}
	fallback := fallbackCandidates(p.ElementDesc, p.OriginalSelector)
	overflow := p.CandidateIndex - len(p.Candidates)
	if overflow < 0 || overflow >= len(fallback) {
		return "", 0, false
	}
	return fallback[overflow], p.CandidateIndex, true
}

func fallbackCandidates(desc map[string]string, exclude string) []string {
	var out []string
	add := func(sel string) {
		if sel == "" || sel == exclude {
			return
		}
		for _, existing := range out {
			if existing == sel {
				return
			}
		}
		out = append(out, sel)
	}
	add(selectorFor(desc["data-testid"], "data-testid"))
	add(selectorFor(desc["role"], "role"))
	add(selectorFor(desc["tag"], "tag"))
	for _, landmark := range []string{"banner", "navigation", "header"} {
		add(fmt.Sprintf("getByRole('%s')", landmark))
	}
	return out
}

func selectorFor(value, kind string) string {
	if value == "" {
		return ""
	}
	switch kind {
	case "data-testid":
		return fmt.Sprintf("getByTestId('%s')", value)
	case "role":
		return fmt.Sprintf("getByRole('%s')", value)
	default:
		return fmt.Sprintf("locator('%s')", value)
	}
}

var (
	testIDPattern = regexp.MustCompile(`getByTestId\(['"]([^'"]+)['"]\)`)
	rolePattern   = regexp.MustCompile(`getByRole\(['"]([^'"]+)['"]`)
	namePattern   = regexp.MustCompile(`name:\s*['"]([^'"]+)['"]`)
)

// deriveElementDescriptor parses a Playwright locator call into an element
// descriptor, defaulting to tag "header" when no recognized pattern matches.
func deriveElementDescriptor(selector string) map[string]string {
	if m := testIDPattern.FindStringSubmatch(selector); m != nil {
		return map[string]string{"data-testid": m[1]}
	}
	if m := rolePattern.FindStringSubmatch(selector); m != nil {
		desc := map[string]string{"role": m[1]}
		if nm := namePattern.FindStringSubmatch(selector); nm != nil {
			desc["name"] = nm[1]
		}
		return desc
	}
	return map[string]string{"tag": "header"}
}

func patchMarker(original, replacement string, candidateIndex int) string {
	return fmt.Sprintf("// OPTIMIZER_PATCH: %s => %s [candidateIndex=%d]", original, replacement, candidateIndex)
}

// applyReplacement mutates the test file at path, replacing the first
// textual occurrence of original with replacement and appending marker,
// unless marker already exists (stale-safe: a replacement is applied at
// most once per candidateIndex).
func applyReplacement(path, original, replacement, marker string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading test file: %w", err)
	}
	content := string(data)
	if strings.Contains(content, marker) {
		return false, nil
	}
	updated := strings.Replace(content, original, replacement, 1)
	updated += "\n" + marker + "\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return false, fmt.Errorf("writing test file: %w", err)
	}
	return true, nil
}
