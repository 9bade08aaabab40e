package ai_test

import (
	"context"
	"testing"

	"chatiq/internal/domain/ports/adapter"
	ai "chatiq/internal/infra/adapters/ai"
)

type stubAI struct {
	name         string
	ctN          int
	gwuN         int
	lastModelCT  string
	lastModelGWU string
}

func (s *stubAI) ListModels(ctx context.Context) ([]string, error) {
	return []string{s.name + "-model"}, nil
}
func (s *stubAI) CountTokens(ctx context.Context, model string, turns []adapter.Turn) (int, error) {
	s.ctN++
	s.lastModelCT = model
	return 1, nil
}
func (s *stubAI) Generate(ctx context.Context, model string, turns []adapter.Turn) (string, error) {
	return "ok", nil
}
func (s *stubAI) GenerateWithUsage(ctx context.Context, model string, turns []adapter.Turn) (string, adapter.Usage, error) {
	s.gwuN++
	s.lastModelGWU = model
	return "ok", adapter.Usage{PromptTokens: 1, CompletionTokens: 1}, nil
}

func TestRouting_ExplicitMap_Heuristics_And_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	open := &stubAI{name: "openai"}
	gem := &stubAI{name: "gemini"}

	m := ai.NewMultiAIAdapter(
		"openai",
		map[string]adapter.AIServiceAdapter{"openai": open, "gemini": gem},
		map[string]string{"custom-x": "gemini"},
	)

	// explicit map wins
	_, _ = m.CountTokens(ctx, "custom-x", nil)
	if gem.ctN != 1 || open.ctN != 0 {
		t.Fatalf("explicit map should route to gemini, got open:%d gem:%d", open.ctN, gem.ctN)
	}
	open.ctN, gem.ctN = 0, 0

	// gpt-* -> openai
	_, _, _ = m.GenerateWithUsage(ctx, "gpt-4o-mini", nil)
	if open.gwuN != 1 || gem.gwuN != 0 {
		t.Fatalf("heuristic gpt-* should go openai")
	}
	open.gwuN, gem.gwuN = 0, 0

	// gemini-* -> gemini
	_, _, _ = m.GenerateWithUsage(ctx, "gemini-1.5-flash", nil)
	if gem.gwuN != 1 || open.gwuN != 0 {
		t.Fatalf("heuristic gemini-* should go gemini")
	}

	// unknown -> default provider (openai)
	open.ctN, gem.ctN = 0, 0
	_, _ = m.CountTokens(ctx, "unknown", nil)
	if open.ctN != 1 || gem.ctN != 0 {
		t.Fatalf("unknown model should go to default provider (openai)")
	}
}
