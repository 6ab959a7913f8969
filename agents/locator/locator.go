// Package locator implements the Locator Agent (C9): it scores and ranks
// candidate CSS/Playwright selectors synthesized from an element
// descriptor, for the Optimizer to try in priority order.
package locator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/testorch/coordinator/agents/internal/dispatch"
	"github.com/testorch/coordinator/agents/internal/payload"
	"github.com/testorch/coordinator/bus"
	"github.com/testorch/coordinator/core"
	"github.com/testorch/coordinator/events"
)

// Config tunes the selector-preference boosts.
type Config struct {
	// DataTestIDBoost is added to a `[data-testid…]` candidate's base score.
	DataTestIDBoost int
	// RoleBoost is added to a `role=…` candidate's base score.
	RoleBoost int

	SourceInstance string
	SourceNode     string
}

// DefaultConfig returns the spec's default scoring boosts.
func DefaultConfig() Config {
	return Config{DataTestIDBoost: 5, RoleBoost: 2}
}

// Candidate is one scored, deduplicated selector.
type Candidate struct {
	Selector string `json:"selector"`
	Score    int    `json:"score"`
}

// Locator implements agent.Handler for LOCATOR_SYNTHESIS_REQUEST.
type Locator struct {
	events events.Channel
	bus    bus.Bus
	logger core.Logger
	config Config
	source bus.Source
}

// New builds a Locator.
func New(ch events.Channel, b bus.Bus, cfg Config, logger core.Logger) *Locator {
	if cfg.DataTestIDBoost == 0 {
		cfg.DataTestIDBoost = 5
	}
	if cfg.RoleBoost == 0 {
		cfg.RoleBoost = 2
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/locator")
	}
	return &Locator{
		events: ch,
		bus:    b,
		logger: logger,
		config: cfg,
		source: bus.Source{Type: "locator", Instance: cfg.SourceInstance, Node: cfg.SourceNode},
	}
}

func (l *Locator) OnInitialize(ctx context.Context) error { return nil }

func (l *Locator) OnShutdown(ctx context.Context) error { return nil }

func (l *Locator) OnMessage(ctx context.Context, msg *bus.Message) error {
	switch msg.Kind {
	case "LOCATOR_SYNTHESIS_REQUEST":
		return l.handleSynthesisRequest(ctx, msg)
	default:
		return fmt.Errorf("locator: unsupported message kind %q", msg.Kind)
	}
}

func (l *Locator) handleSynthesisRequest(ctx context.Context, msg *bus.Message) error {
	requestID := payload.String(msg.Payload, "requestId")
	element := payload.Map(msg.Payload, "element")
	msgContext := payload.Map(msg.Payload, "context")

	candidates := l.score(element)

	var top string
	if len(candidates) > 0 {
		top = candidates[0].Selector
	}

	candidatePayload := make([]map[string]interface{}, len(candidates))
	for i, c := range candidates {
		candidatePayload[i] = map[string]interface{}{"selector": c.Selector, "score": c.Score}
	}

	if l.events != nil {
		if err := l.events.Publish(ctx, "locator.synthesis.completed", events.Event{
			Kind: "locator.synthesis.completed",
			Data: map[string]interface{}{
				"requestId":  requestID,
				"top":        top,
				"candidates": candidatePayload,
				"context":    msgContext,
			},
		}); err != nil {
			l.logger.WarnWithContext(ctx, "Failed to publish locator.synthesis.completed", map[string]interface{}{"error": err.Error()})
		}
	}

	outMsg := dispatch.New(l.source, "optimizer", "LOCATOR_CANDIDATES", bus.PriorityNormal, map[string]interface{}{
		"requestId":  requestID,
		"top":        top,
		"candidates": candidatePayload,
		"context":    msgContext,
	})
	return l.bus.Send(ctx, outMsg)
}

// score builds the deduplicated, descending-by-score candidate list for an
// element descriptor per the fixed scoring table: data-testid=10, role+name=8,
// id=7, text=5, tag+firstClass=3, tag=1, with configurable boosts applied to
// `[data-testid…]` and `role=…` selectors.
func (l *Locator) score(element map[string]interface{}) []Candidate {
	byScore := make(map[string]int)
	add := func(selector string, score int) {
		if selector == "" {
			return
		}
		if existing, ok := byScore[selector]; !ok || score > existing {
			byScore[selector] = score
		}
	}

	testID := payload.String(element, "data-testid")
	role := payload.String(element, "role")
	name := payload.String(element, "name")
	id := payload.String(element, "id")
	text := payload.String(element, "text")
	tag := payload.String(element, "tag")
	class := payload.String(element, "class")

	if testID != "" {
		add(fmt.Sprintf(`[data-testid="%s"]`, escapeAttrValue(testID)), 10+l.config.DataTestIDBoost)
	}
	if role != "" {
		selector := "role=" + role
		if name != "" {
			selector = fmt.Sprintf("role=%s[name=%s]", role, name)
		}
		add(selector, 8+l.config.RoleBoost)
	}
	if id != "" {
		add("#"+cssEscape(id), 7)
	}
	if text != "" {
		add(fmt.Sprintf(`text="%s"`, escapeAttrValue(text)), 5)
	}
	if tag != "" && class != "" {
		firstClass := strings.Fields(class)[0]
		add(tag+"."+cssEscape(firstClass), 3)
	}
	if tag != "" {
		add(tag, 1)
	}

	out := make([]Candidate, 0, len(byScore))
	for selector, s := range byScore {
		out = append(out, Candidate{Selector: selector, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

// escapeAttrValue escapes double-quotes inside a bracket/attribute selector
// value.
func escapeAttrValue(v string) string {
	return strings.ReplaceAll(v, `"`, `\"`)
}

// cssEscape escapes characters outside [a-zA-Z0-9_-] the way CSS.escape
// does, for safe use inside an id or class selector.
func cssEscape(v string) string {
	var b strings.Builder
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}
