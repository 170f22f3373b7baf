package council

import (
	"context"
	"strings"
	"testing"
)

// scriptedClient returns queued responses in call order.
type scriptedClient struct {
	responses []string
	calls     int
}

func (s *scriptedClient) Complete(_ context.Context, _, _, _ string, _ int) string {
	if s.calls >= len(s.responses) {
		s.calls++
		return ""
	}
	out := s.responses[s.calls]
	s.calls++
	return out
}

func TestRunCollectsAllRoles(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Concern: rollback path unclear\nRecommendation: add a backup step",
		"Concern: doubles token spend\nRecommendation: cache the analysis",
		"Concern: none worth noting\nRecommendation: ship it",
		"Concern: adds a new config knob\nRecommendation: document it",
		`{"conclusion":"approved","summary":"low risk, clear benefit"}`,
	}}
	c := New(client, "opus", nil)

	got := c.Run(context.Background(), Proposal{ProposalID: "prop_1", Problem: "p", Solution: "s"})
	if len(got.Reviews) != 4 {
		t.Fatalf("review count = %d", len(got.Reviews))
	}
	wantRoles := []string{"safety", "efficiency", "user_experience", "long_term"}
	for i, want := range wantRoles {
		if got.Reviews[i].Role != want {
			t.Fatalf("role[%d] = %q, want %q", i, got.Reviews[i].Role, want)
		}
	}
	if got.Reviews[0].Concern != "rollback path unclear" || got.Reviews[0].Recommendation != "add a backup step" {
		t.Fatalf("safety review: %+v", got.Reviews[0])
	}
	if !got.IsApproved() || got.Summary != "low risk, clear benefit" {
		t.Fatalf("conclusion: %+v", got)
	}
	if client.calls != 5 {
		t.Fatalf("llm calls = %d, want 5", client.calls)
	}
}

func TestRunDefaultsToNeedsRevision(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Concern: a\nRecommendation: b",
		"Concern: a\nRecommendation: b",
		"Concern: a\nRecommendation: b",
		"Concern: a\nRecommendation: b",
		"I cannot decide, sorry.",
	}}
	c := New(client, "opus", nil)

	got := c.Run(context.Background(), Proposal{ProposalID: "prop_2"})
	if !got.NeedsRevision() || got.Summary != "" {
		t.Fatalf("fallback conclusion: %+v", got)
	}
}

func TestRunInvalidConclusionValueFallsBack(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"Concern: a", "Concern: a", "Concern: a", "Concern: a",
		`{"conclusion":"maybe","summary":"?"}`,
	}}
	c := New(client, "opus", nil)
	if got := c.Run(context.Background(), Proposal{ProposalID: "prop_3"}); !got.NeedsRevision() {
		t.Fatalf("conclusion: %+v", got)
	}
}

func TestParseMemberResponseFallback(t *testing.T) {
	concern, recommendation := parseMemberResponse("this change looks risky overall")
	if concern != "this change looks risky overall" || recommendation != noRecommendation {
		t.Fatalf("fallback parse: %q %q", concern, recommendation)
	}

	concern, recommendation = parseMemberResponse("CONCERN: upper case labels\nRECOMMENDATION: still parse")
	if concern != "upper case labels" || recommendation != "still parse" {
		t.Fatalf("case-insensitive parse: %q %q", concern, recommendation)
	}
}

func TestParseConclusionInsideFence(t *testing.T) {
	raw := "Here is my verdict:\n```json\n{\"conclusion\": \"rejected\", \"summary\": \"too risky\"}\n```"
	conclusion, summary, ok := parseConclusion(raw)
	if !ok || conclusion != ConclusionRejected || summary != "too risky" {
		t.Fatalf("fenced parse: %q %q %v", conclusion, summary, ok)
	}
}

func TestBuildProposalTextIncludesFields(t *testing.T) {
	text := buildProposalText(Proposal{
		ProposalID:    "prop_4",
		Problem:       "timezone errors",
		Solution:      "add a rule",
		FilesAffected: []string{"rules/experience/timezone.md"},
		Priority:      "HIGH",
		RiskLevel:     "low",
	})
	for _, want := range []string{"prop_4", "timezone errors", "add a rule", "rules/experience/timezone.md", "HIGH", "low"} {
		if !strings.Contains(text, want) {
			t.Fatalf("proposal text missing %q:\n%s", want, text)
		}
	}
}
