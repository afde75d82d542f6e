package validator

import (
	"strings"
	"testing"

	"github.com/ideaforge/engine/internal/apperr"
)

func validIdeaJSON() string {
	return `{"ideas":[{"title":"Adaptive caching layer","description":"` +
		strings.Repeat("a", 60) +
		`","rationale":"` + strings.Repeat("b", 25) +
		`","category":"technical","confidenceScore":0.8,"noveltyScore":0.5,"tags":["cache","perf"]}]}`
}

func TestStripFenceWithJSONTag(t *testing.T) {
	raw := "```json\n" + `{"ideas":[]}` + "\n```"
	got := StripFence(raw)
	if got != `{"ideas":[]}` {
		t.Fatalf("unexpected stripped payload: %q", got)
	}
}

func TestStripFenceWithoutTag(t *testing.T) {
	raw := "```\n{\"ideas\":[]}\n```"
	got := StripFence(raw)
	if got != `{"ideas":[]}` {
		t.Fatalf("unexpected stripped payload: %q", got)
	}
}

func TestStripFenceNoFence(t *testing.T) {
	raw := "  {\"ideas\":[]}  "
	got := StripFence(raw)
	if got != `{"ideas":[]}` {
		t.Fatalf("unexpected stripped payload: %q", got)
	}
}

func TestParseValidatorPermissiveness(t *testing.T) {
	raw := "```json\n" + validIdeaJSON() + "\n```"
	result, err := Parse(raw, KindResearch)
	if err != nil {
		t.Fatalf("expected fenced valid payload to parse, got %v", err)
	}
	payload, decodeErr := DecodeResearch(result.Value)
	if decodeErr != nil {
		t.Fatalf("decode failed: %v", decodeErr)
	}
	if len(payload.Ideas) != 1 {
		t.Fatalf("expected 1 idea, got %d", len(payload.Ideas))
	}
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	_, err := Parse(`{"notIdeas":[]}`, KindResearch)
	if err == nil {
		t.Fatalf("expected schema validation error")
	}
	if err.Code != apperr.ParseError {
		t.Fatalf("expected PARSE_ERROR, got %s", err.Code)
	}
}

func TestParseRejectsInvalidCategory(t *testing.T) {
	bad := `{"ideas":[{"title":"Adaptive caching layer","description":"` +
		strings.Repeat("a", 60) +
		`","rationale":"` + strings.Repeat("b", 25) +
		`","category":"not-a-category","confidenceScore":0.8,"noveltyScore":0.5,"tags":["cache"]}]}`
	_, err := Parse(bad, KindResearch)
	if err == nil {
		t.Fatalf("expected schema validation error for bad category")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse("not json at all", KindResearch)
	if err == nil || err.Code != apperr.ParseError {
		t.Fatalf("expected PARSE_ERROR for malformed JSON, got %v", err)
	}
}

func TestParseDeepeningPayload(t *testing.T) {
	raw := `{"deepening":{"idea_title":"Adaptive caching layer","depth_level":1,` +
		`"executive_summary":"summary","key_insights":["insight"],` +
		`"detailed_analysis":"` + strings.Repeat("x", 120) + `",` +
		`"action_items":[{"step":"1","description":"do it","priority":"high"}],` +
		`"risks":[{"risk":"scope creep","severity":"medium"}],` +
		`"success_metrics":["adoption"],"resources_needed":["engineer"],` +
		`"estimated_timeline":"3 months","confidence_score":0.7}}`

	result, err := Parse(raw, KindDeepening)
	if err != nil {
		t.Fatalf("expected valid deepening payload to parse, got %v", err)
	}
	payload, decodeErr := DecodeDeepening(result.Value)
	if decodeErr != nil {
		t.Fatalf("decode failed: %v", decodeErr)
	}
	if payload.Deepening.DepthLevel != 1 {
		t.Fatalf("expected depth level 1, got %d", payload.Deepening.DepthLevel)
	}
}
