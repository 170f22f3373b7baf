// Package council reviews architect proposals by running one model through
// four reviewer roles and synthesizing a conclusion.
package council

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"evoagent/internal/jsonx"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
)

// Review conclusions.
const (
	ConclusionApproved      = "approved"
	ConclusionNeedsRevision = "needs_revision"
	ConclusionRejected      = "rejected"
)

const noRecommendation = "none"

// role is one reviewer persona.
type role struct {
	key          string
	name         string
	systemPrompt string
}

// Review order is fixed so transcripts stay comparable across runs.
var roles = []role{
	{
		key:  "safety",
		name: "Safety Reviewer",
		systemPrompt: `You are the safety reviewer of a self-improving agent system. Your job is to assess the safety and risk of a proposal.
Focus on:
- Rollback feasibility: if the change fails, can it be rolled back safely?
- Boundaries: could the change affect core functionality?
- Data safety: any risk of data loss or leakage?
- Failure handling: does the system stay stable in edge cases?

Analyze the proposal below and give your concern and recommendation.`,
	},
	{
		key:  "efficiency",
		name: "Efficiency Reviewer",
		systemPrompt: `You are the efficiency reviewer of a self-improving agent system. Your job is to assess the cost and efficiency impact of a proposal.
Focus on:
- Token cost: how much extra model spend does the change add?
- Latency: will response times get worse?
- Resource usage: CPU, memory and storage overhead.
- Cost effectiveness: is the return worth the investment?

Analyze the proposal below and give your concern and recommendation.`,
	},
	{
		key:  "user_experience",
		name: "User Experience Reviewer",
		systemPrompt: `You are the user experience reviewer of a self-improving agent system. Your job is to assess the proposal from the user's point of view.
Focus on:
- Perceived value: will users notice the improvement?
- Interaction quality: does the conversation get better or worse?
- Notifications: are frequency and timing reasonable?
- Learning cost: do users have to adapt to a new interaction?

Analyze the proposal below and give your concern and recommendation.`,
	},
	{
		key:  "long_term",
		name: "Long-term Reviewer",
		systemPrompt: `You are the long-term planning reviewer of a self-improving agent system. Your job is to assess the proposal from an architectural evolution angle.
Focus on:
- Architecture: does the change introduce technical debt?
- Extensibility: will future extensions require a rework?
- Consistency: does it fit the overall design direction?
- Maintainability: is the change easy to understand and maintain?

Analyze the proposal below and give your concern and recommendation.`,
	},
}

const conclusionSystemPrompt = `You are the chair of the review council of a self-improving agent system. Based on the four reviews below, give the final conclusion.
The conclusion must be exactly one of: "approved", "needs_revision", "rejected".
Answer in JSON: {"conclusion": "...", "summary": "overall summary"}`

var (
	concernRe        = regexp.MustCompile(`(?is)concern\s*:\s*(.+?)(?:recommendation\s*:|$)`)
	recommendationRe = regexp.MustCompile(`(?is)recommendation\s*:\s*(.+)`)
)

// Proposal carries the fields the council needs; the architect fills it
// from its own proposal record.
type Proposal struct {
	ProposalID    string
	Problem       string
	Solution      string
	FilesAffected []string
	Priority      string
	RiskLevel     string
}

// MemberReview is one reviewer's opinion.
type MemberReview struct {
	Role           string `json:"role"`
	Name           string `json:"name"`
	Concern        string `json:"concern"`
	Recommendation string `json:"recommendation"`
}

// Review is the full council result.
type Review struct {
	ProposalID string         `json:"proposal_id"`
	Reviews    []MemberReview `json:"reviews"`
	Conclusion string         `json:"conclusion"`
	Summary    string         `json:"summary"`
}

// IsApproved reports an unconditional pass.
func (r Review) IsApproved() bool { return r.Conclusion == ConclusionApproved }

// NeedsRevision reports a conditional pass.
func (r Review) NeedsRevision() bool { return r.Conclusion == ConclusionNeedsRevision }

// IsRejected reports a veto.
func (r Review) IsRejected() bool { return r.Conclusion == ConclusionRejected }

// Council runs proposal reviews.
type Council struct {
	client llm.Client
	model  string
	logger logging.Logger
}

// New builds a council on the given model.
func New(client llm.Client, model string, logger logging.Logger) *Council {
	if model == "" {
		model = "opus"
	}
	return &Council{client: client, model: model, logger: logging.OrNop(logger)}
}

// Run reviews one proposal: four role calls, then one conclusion call.
// An unparsable or failed conclusion defaults to needs_revision.
func (c *Council) Run(ctx context.Context, proposal Proposal) Review {
	proposalText := buildProposalText(proposal)
	review := Review{ProposalID: proposal.ProposalID}

	for _, r := range roles {
		concern := ""
		recommendation := ""
		if c.client != nil {
			response := c.client.Complete(ctx, r.systemPrompt, proposalText, c.model, 1000)
			concern, recommendation = parseMemberResponse(response)
		}
		if concern == "" {
			concern = "review unavailable"
			recommendation = noRecommendation
		}
		review.Reviews = append(review.Reviews, MemberReview{
			Role:           r.key,
			Name:           r.name,
			Concern:        concern,
			Recommendation: recommendation,
		})
	}

	var reviewsText strings.Builder
	for i, r := range review.Reviews {
		if i > 0 {
			reviewsText.WriteString("\n\n")
		}
		fmt.Fprintf(&reviewsText, "[%s]\nConcern: %s\nRecommendation: %s", r.Name, r.Concern, r.Recommendation)
	}
	conclusionUser := fmt.Sprintf("Proposal:\n%s\n\nReviews:\n%s", proposalText, reviewsText.String())

	review.Conclusion = ConclusionNeedsRevision
	if c.client != nil {
		raw := c.client.Complete(ctx, conclusionSystemPrompt, conclusionUser, c.model, 500)
		conclusion, summary, ok := parseConclusion(raw)
		if ok {
			review.Conclusion = conclusion
			review.Summary = summary
		} else {
			c.logger.Warn("council: unparsable conclusion for %s, defaulting to needs_revision", proposal.ProposalID)
		}
	}

	c.logger.Info("council: review for %s completed: %s (%d reviews)", proposal.ProposalID, review.Conclusion, len(review.Reviews))
	return review
}

func buildProposalText(p Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposal ID: %s", p.ProposalID)
	if p.Problem != "" {
		fmt.Fprintf(&b, "\n\nProblem:\n%s", p.Problem)
	}
	if p.Solution != "" {
		fmt.Fprintf(&b, "\n\nSolution:\n%s", p.Solution)
	}
	if len(p.FilesAffected) > 0 {
		fmt.Fprintf(&b, "\n\nFiles affected: %s", strings.Join(p.FilesAffected, ", "))
	}
	if p.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s", p.Priority)
	}
	if p.RiskLevel != "" {
		fmt.Fprintf(&b, "\nRisk level: %s", p.RiskLevel)
	}
	return b.String()
}

// parseMemberResponse extracts concern and recommendation from free text.
// When no labelled concern is found the whole response becomes the concern.
func parseMemberResponse(text string) (string, string) {
	concern := ""
	recommendation := ""
	if m := concernRe.FindStringSubmatch(text); m != nil {
		concern = strings.TrimSpace(m[1])
	}
	if m := recommendationRe.FindStringSubmatch(text); m != nil {
		recommendation = strings.TrimSpace(m[1])
	}
	if concern == "" {
		concern = strings.TrimSpace(text)
		recommendation = noRecommendation
	}
	return concern, recommendation
}

func parseConclusion(raw string) (string, string, bool) {
	var parsed struct {
		Conclusion string `json:"conclusion"`
		Summary    string `json:"summary"`
	}
	if !jsonx.UnmarshalObject(raw, &parsed) {
		return "", "", false
	}
	switch parsed.Conclusion {
	case ConclusionApproved, ConclusionNeedsRevision, ConclusionRejected:
		return parsed.Conclusion, parsed.Summary, true
	}
	return "", "", false
}
