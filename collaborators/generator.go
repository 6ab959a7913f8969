// Package collaborators defines the external-interface stubs the core
// depends on without owning: the AI generator, the test runner, the
// relational DB, and the HTTP ingress surface. None of these own a live
// backend — per spec, the AI call, the process supervision detail, and
// the persistence schema are all external collaborators; this package
// gives each a concrete, swappable shape plus an offline default
// implementation the Writer/Executor/Reporter agents can run against.
package collaborators

import (
	"context"
	"fmt"
	"strings"

	"github.com/testorch/coordinator/ai"
)

// GenerationMetadata is what the Writer agent supplies when asking for a
// generated test artifact.
type GenerationMetadata struct {
	ComponentName string
	TestFilePath  string
	Description   string
	ChangedFiles  []string
}

// GenerationResult is the artifact the Writer agent persists and
// publishes. Provider is "model" when a live generator produced it,
// "fallback" when the deterministic template did.
type GenerationResult struct {
	Title    string
	Content  string
	Provider string
	Usage    *ai.TokenUsage
}

// Generator produces a test artifact from generation metadata. No
// concrete AI backend is wired in this repo (out of core scope); the
// shipped implementation is FallbackGenerator.
type Generator interface {
	Generate(ctx context.Context, metadata GenerationMetadata) (*GenerationResult, error)
}

// FallbackGenerator produces a deterministic templated Playwright test
// skeleton. It never errors and never needs configuration, so it is
// always a valid Generator on its own — the Writer agent falls back to
// it whenever no live generator is configured or a live one errors.
type FallbackGenerator struct{}

func (FallbackGenerator) Generate(ctx context.Context, metadata GenerationMetadata) (*GenerationResult, error) {
	name := firstNonEmpty(metadata.ComponentName, metadata.TestFilePath, "page")
	return &GenerationResult{
		Title:    fmt.Sprintf("Generated test: %s", name),
		Content:  templatedSkeleton(name, metadata),
		Provider: "fallback",
	}, nil
}

func templatedSkeleton(name string, metadata GenerationMetadata) string {
	var b strings.Builder
	b.WriteString("import { test, expect } from '@playwright/test';\n\n")
	fmt.Fprintf(&b, "test('%s loads', async ({ page }) => {\n", name)
	b.WriteString("  await page.goto('/');\n")
	b.WriteString("  await expect(page).toHaveTitle(/.+/);\n")
	b.WriteString("});\n")
	if metadata.Description != "" {
		fmt.Fprintf(&b, "\n// %s\n", metadata.Description)
	}
	return b.String()
}

// AIGenerator adapts a live ai.AIClient into a Generator. It falls back
// to Fallback (or a FallbackGenerator if none is set) whenever client is
// nil or GenerateResponse errors, matching the Writer agent's "collaborator
// returns an error or is not configured" rule.
type AIGenerator struct {
	Client   ai.AIClient
	Fallback Generator
}

func (g *AIGenerator) Generate(ctx context.Context, metadata GenerationMetadata) (*GenerationResult, error) {
	if g.Client == nil {
		return g.fallback().Generate(ctx, metadata)
	}

	prompt := buildPrompt(metadata)
	resp, err := g.Client.GenerateResponse(ctx, prompt, &ai.AIOptions{})
	if err != nil {
		return g.fallback().Generate(ctx, metadata)
	}

	return &GenerationResult{
		Title:    fmt.Sprintf("Generated test: %s", firstNonEmpty(metadata.ComponentName, metadata.TestFilePath, "page")),
		Content:  resp.Content,
		Provider: "model",
		Usage:    &resp.Usage,
	}, nil
}

func (g *AIGenerator) fallback() Generator {
	if g.Fallback != nil {
		return g.Fallback
	}
	return FallbackGenerator{}
}

func buildPrompt(metadata GenerationMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a Playwright test for %s.\n", firstNonEmpty(metadata.ComponentName, metadata.TestFilePath, "the page"))
	if metadata.Description != "" {
		fmt.Fprintf(&b, "Context: %s\n", metadata.Description)
	}
	if len(metadata.ChangedFiles) > 0 {
		fmt.Fprintf(&b, "Changed files: %s\n", strings.Join(metadata.ChangedFiles, ", "))
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ Generator = FallbackGenerator{}
	_ Generator = (*AIGenerator)(nil)
)
