// Package architect reads observer reports, diagnoses problems, designs
// improvement proposals and executes them under tiered approval.
package architect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"evoagent/internal/council"
	"evoagent/internal/jsonx"
	"evoagent/internal/llm"
	"evoagent/internal/logging"
	"evoagent/internal/metrics"
	"evoagent/internal/rollback"
	"evoagent/internal/signals"
	"evoagent/internal/store"
)

// Proposal statuses.
const (
	StatusNew               = "new"
	StatusPendingApproval   = "pending_approval"
	StatusPendingDiscussion = "pending_discussion"
	StatusNeedsRevision     = "needs_revision"
	StatusRejected          = "rejected"
	StatusExecuted          = "executed"
	StatusFailed            = "failed"
	StatusVerifying         = "verifying"
	StatusValidated         = "validated"
	StatusRolledBack        = "rolled_back"
)

// DefaultVerificationDays is the observation window after execution.
const DefaultVerificationDays = 5

var blastRadiusLevel = map[string]int{
	"trivial": 0,
	"small":   1,
	"medium":  2,
	"large":   3,
}

// defaultMaxFilesPerLevel caps files per approval level; above level 2 the
// proposal needs discussion regardless.
var defaultMaxFilesPerLevel = map[int]int{0: 1, 1: 3, 2: 5}

const diagnoseSystemPrompt = `You are the Architect. You diagnose problems from observer reports and design improvements.

From the observer report and active signals below, generate zero or more improvement proposals.

Diagnosis priority:
1. error_pattern (highest)
2. efficiency
3. skill_gap
4. preference (lowest)

Output each proposal in this JSON shape (as an array):
[
  {
    "proposal_id": "prop_XXX",
    "level": 0,
    "trigger_source": "observer_report:YYYY-MM-DD",
    "problem": "problem description",
    "solution": "solution description",
    "files_affected": ["rules/experience/task_strategies.md"],
    "blast_radius": "trivial|small|medium|large",
    "expected_effect": "expected effect",
    "verification_method": "how to verify",
    "verification_days": 5,
    "rollback_plan": "rollback plan",
    "new_content": "the new rule content to write (Markdown)"
  }
]

If nothing needs improving, return an empty array [].
Output only JSON, nothing else.`

const designContentSystemPrompt = `You are the Architect. Design the concrete rule file content for the proposal below.

Output the new Markdown rule content that replaces the target file. Output only the Markdown, no commentary.`

// Proposal is one improvement proposal persisted under
// architect/proposals/<id>.json.
type Proposal struct {
	ProposalID         string          `json:"proposal_id"`
	Level              int             `json:"level"`
	TriggerSource      string          `json:"trigger_source"`
	Problem            string          `json:"problem"`
	Solution           string          `json:"solution"`
	FilesAffected      []string        `json:"files_affected"`
	BlastRadius        string          `json:"blast_radius"`
	ExpectedEffect     string          `json:"expected_effect"`
	VerificationMethod string          `json:"verification_method"`
	VerificationDays   int             `json:"verification_days"`
	RollbackPlan       string          `json:"rollback_plan"`
	NewContent         string          `json:"new_content,omitempty"`
	Status             string          `json:"status"`
	CreatedAt          string          `json:"created_at"`
	ExecutedAt         string          `json:"executed_at,omitempty"`
	BackupID           string          `json:"backup_id,omitempty"`
	CouncilReview      *council.Review `json:"council_review,omitempty"`
}

// ExecutionResult reports one execution attempt.
type ExecutionResult struct {
	Status   string `json:"status"`
	BackupID string `json:"backup_id,omitempty"`
}

// VerificationResult reports one verification check.
type VerificationResult struct {
	Status        string `json:"status"`
	ProposalID    string `json:"proposal_id"`
	ElapsedDays   int    `json:"elapsed_days,omitempty"`
	RemainingDays int    `json:"remaining_days,omitempty"`
}

// Notifier pushes proposal events towards the user. Implementations must
// not block.
type Notifier interface {
	NotifyProposal(p Proposal)
	NotifyMessage(text, messageType string)
}

// Options tune the engine.
type Options struct {
	Model            string
	MaxFilesPerLevel map[int]int
}

// Engine drives the propose/review/execute/verify cycle.
type Engine struct {
	ws           *store.Workspace
	client       llm.Client
	model        string
	rollbacks    *rollback.Manager
	reviewers    *council.Council
	notifier     Notifier
	tracker      *metrics.Tracker
	maxFiles     map[int]int
	proposalsDir string
	reportsDir   string
	signalsPath  string
	logger       logging.Logger
}

// New builds an engine. Council, notifier and tracker are optional;
// rollback manager is required for safe execution.
func New(ws *store.Workspace, client llm.Client, rollbacks *rollback.Manager, reviewers *council.Council, notifier Notifier, tracker *metrics.Tracker, opts Options, logger logging.Logger) (*Engine, error) {
	if opts.Model == "" {
		opts.Model = "opus"
	}
	if opts.MaxFilesPerLevel == nil {
		opts.MaxFilesPerLevel = defaultMaxFilesPerLevel
	}
	proposalsDir := ws.Path("architect", "proposals")
	if err := os.MkdirAll(proposalsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create proposals dir: %w", err)
	}
	return &Engine{
		ws:           ws,
		client:       client,
		model:        opts.Model,
		rollbacks:    rollbacks,
		reviewers:    reviewers,
		notifier:     notifier,
		tracker:      tracker,
		maxFiles:     opts.MaxFilesPerLevel,
		proposalsDir: proposalsDir,
		reportsDir:   ws.Path("observations", "deep_reports"),
		signalsPath:  ws.Path("signals", "active.jsonl"),
		logger:       logging.OrNop(logger),
	}, nil
}

// AnalyzeAndPropose reads the latest deep report and active signals and
// asks the model for proposals. Each parsed proposal is persisted as new.
func (e *Engine) AnalyzeAndPropose(ctx context.Context) []Proposal {
	reportContent, reportDate := e.latestReport()
	if reportContent == "" {
		return nil
	}
	activeSignals, err := store.ReadJSONL[signals.Signal](e.signalsPath)
	if err != nil {
		e.logger.Error("architect: read signals: %v", err)
	}
	signalsJSON, _ := jsonx.Marshal(activeSignals)
	userMessage := fmt.Sprintf(
		"=== Observer deep report (%s) ===\n%s\n\n=== Active signals ===\n%s\n",
		reportDate, reportContent, signalsJSON,
	)

	raw := ""
	if e.client != nil {
		raw = e.client.Complete(ctx, diagnoseSystemPrompt, userMessage, e.model, 3000)
	}
	proposals := parseProposals(raw, reportDate)
	for i := range proposals {
		e.saveProposal(proposals[i])
	}
	return proposals
}

// DetermineApprovalLevel maps blast radius and file count onto an approval
// level. More than five files or a large blast radius always needs
// discussion.
func (e *Engine) DetermineApprovalLevel(p Proposal) int {
	filesCount := len(p.FilesAffected)
	radius := strings.ToLower(p.BlastRadius)
	if filesCount > e.maxFiles[2] || radius == "large" {
		return 3
	}
	radiusLevel, ok := blastRadiusLevel[radius]
	if !ok {
		radiusLevel = 1
	}
	for level := 0; level <= 2; level++ {
		if filesCount <= e.maxFiles[level] && radiusLevel <= level {
			return level
		}
	}
	return 2
}

// ExecuteProposal runs one proposal through approval gating. Levels 0 and
// 1 execute immediately with a backup; level 2 needs approval, level 3
// needs discussion, and both go through council review first.
func (e *Engine) ExecuteProposal(ctx context.Context, p Proposal) ExecutionResult {
	level := e.DetermineApprovalLevel(p)
	p.Level = level
	e.saveProposal(p)

	if level >= 2 && e.reviewers != nil {
		review := e.reviewers.Run(ctx, council.Proposal{
			ProposalID:    p.ProposalID,
			Problem:       p.Problem,
			Solution:      p.Solution,
			FilesAffected: p.FilesAffected,
			RiskLevel:     p.BlastRadius,
		})
		p.CouncilReview = &review
		e.saveProposal(p)
		e.notifyCouncil(p, review)

		if review.IsRejected() {
			e.updateStatus(p.ProposalID, StatusRejected, "")
			return ExecutionResult{Status: StatusRejected}
		}
		if review.NeedsRevision() {
			e.updateStatus(p.ProposalID, StatusNeedsRevision, "")
			return ExecutionResult{Status: StatusNeedsRevision}
		}
	}

	switch level {
	case 3:
		e.updateStatus(p.ProposalID, StatusPendingDiscussion, "")
		e.notifyProposal(p)
		e.recordProposal(p, StatusPendingDiscussion)
		return ExecutionResult{Status: StatusPendingApproval}
	case 2:
		e.updateStatus(p.ProposalID, StatusPendingApproval, "")
		e.notifyProposal(p)
		e.recordProposal(p, StatusPendingApproval)
		return ExecutionResult{Status: StatusPendingApproval}
	}

	result := e.execute(ctx, p)
	if result.Status == StatusExecuted && level == 1 {
		e.notifyMessage(fmt.Sprintf("Proposal %s executed.\nSolution: %s", p.ProposalID, p.Solution), "architect")
	}
	return result
}

// ApproveAndExecute executes a proposal the user approved, regardless of
// level.
func (e *Engine) ApproveAndExecute(ctx context.Context, proposalID string) ExecutionResult {
	p, ok := e.LoadProposal(proposalID)
	if !ok {
		return ExecutionResult{Status: "not_found"}
	}
	result := e.execute(ctx, p)
	if result.Status == StatusExecuted {
		e.notifyMessage(fmt.Sprintf("Approved proposal %s executed.", proposalID), "architect")
	}
	return result
}

// RejectProposal marks a pending proposal as rejected.
func (e *Engine) RejectProposal(proposalID string) bool {
	if _, ok := e.LoadProposal(proposalID); !ok {
		return false
	}
	e.updateStatus(proposalID, StatusRejected, "")
	p, _ := e.LoadProposal(proposalID)
	e.recordProposal(p, StatusRejected)
	return true
}

// execute backs the affected files up, applies the change and marks the
// proposal executed.
func (e *Engine) execute(ctx context.Context, p Proposal) ExecutionResult {
	backupID := ""
	if e.rollbacks != nil && len(p.FilesAffected) > 0 {
		id, err := e.rollbacks.Backup(p.FilesAffected, p.ProposalID)
		if err != nil {
			e.logger.Error("architect: backup for %s: %v", p.ProposalID, err)
			e.updateStatus(p.ProposalID, StatusFailed, "")
			return ExecutionResult{Status: StatusFailed}
		}
		backupID = id
	}

	if err := e.applyChanges(ctx, p); err != nil {
		e.logger.Error("architect: apply %s: %v", p.ProposalID, err)
		e.updateStatus(p.ProposalID, StatusFailed, backupID)
		e.recordProposal(p, StatusFailed)
		return ExecutionResult{Status: StatusFailed, BackupID: backupID}
	}

	e.updateStatus(p.ProposalID, StatusExecuted, backupID)
	e.recordProposal(p, StatusExecuted)
	return ExecutionResult{Status: StatusExecuted, BackupID: backupID}
}

// CheckVerification checks whether an executed proposal survived its
// verification window, rolling it back when the system still shows
// high-priority signals.
func (e *Engine) CheckVerification(ctx context.Context, proposalID string) VerificationResult {
	p, ok := e.LoadProposal(proposalID)
	if !ok {
		return VerificationResult{Status: "not_found", ProposalID: proposalID}
	}
	if p.Status != StatusExecuted && p.Status != StatusVerifying {
		return VerificationResult{Status: p.Status, ProposalID: proposalID}
	}
	if p.ExecutedAt == "" {
		return VerificationResult{Status: StatusVerifying, ProposalID: proposalID}
	}
	executedAt, err := time.ParseInLocation(store.TimeLayout, p.ExecutedAt, time.Local)
	if err != nil {
		return VerificationResult{Status: StatusVerifying, ProposalID: proposalID}
	}

	verificationDays := p.VerificationDays
	if verificationDays <= 0 {
		verificationDays = DefaultVerificationDays
	}
	elapsed := int(time.Since(executedAt).Hours() / 24)
	if elapsed < verificationDays {
		e.updateStatus(proposalID, StatusVerifying, "")
		return VerificationResult{
			Status:        StatusVerifying,
			ProposalID:    proposalID,
			ElapsedDays:   elapsed,
			RemainingDays: verificationDays - elapsed,
		}
	}

	if e.evaluateEffect() {
		e.updateStatus(proposalID, StatusValidated, "")
		return VerificationResult{Status: StatusValidated, ProposalID: proposalID}
	}
	if p.BackupID != "" && e.rollbacks != nil {
		e.rollbacks.Rollback(p.BackupID)
	}
	e.updateStatus(proposalID, StatusRolledBack, "")
	e.recordProposal(p, StatusRolledBack)
	return VerificationResult{Status: StatusRolledBack, ProposalID: proposalID}
}

// PendingProposals lists proposals waiting for a decision, sorted by id.
func (e *Engine) PendingProposals() []Proposal {
	return e.ProposalsWithStatus(StatusPendingApproval, StatusPendingDiscussion, StatusNew)
}

// ProposalsWithStatus lists proposals in any of the given statuses, sorted
// by id.
func (e *Engine) ProposalsWithStatus(statuses ...string) []Proposal {
	entries, err := os.ReadDir(e.proposalsDir)
	if err != nil {
		return nil
	}
	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var matched []Proposal
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p, ok := e.LoadProposal(strings.TrimSuffix(entry.Name(), ".json"))
		if !ok {
			continue
		}
		if wanted[p.Status] {
			matched = append(matched, p)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ProposalID < matched[j].ProposalID })
	return matched
}

// LoadProposal reads one proposal file.
func (e *Engine) LoadProposal(proposalID string) (Proposal, bool) {
	data, err := os.ReadFile(filepath.Join(e.proposalsDir, proposalID+".json"))
	if err != nil {
		return Proposal{}, false
	}
	var p Proposal
	if err := jsonx.Unmarshal(data, &p); err != nil {
		e.logger.Error("architect: load proposal %s: %v", proposalID, err)
		return Proposal{}, false
	}
	return p, true
}

// NewProposalID returns an id unique across repeated calls on the same
// day; the microsecond component avoids same-second collisions.
func NewProposalID(now time.Time, index int) string {
	return fmt.Sprintf("prop_%s_%06d_%03d", now.Format("20060102_150405"), now.Nanosecond()/1000, index)
}

func parseProposals(raw, reportDate string) []Proposal {
	if raw == "" {
		return nil
	}
	var parsed []Proposal
	if !jsonx.UnmarshalArray(raw, &parsed) {
		return nil
	}
	now := time.Now()
	proposals := make([]Proposal, 0, len(parsed))
	for i, p := range parsed {
		if p.ProposalID == "" {
			p.ProposalID = NewProposalID(now, i+1)
		}
		if p.TriggerSource == "" {
			p.TriggerSource = "observer_report:" + reportDate
		}
		if p.Status == "" {
			p.Status = StatusNew
		}
		if p.CreatedAt == "" {
			p.CreatedAt = store.Now()
		}
		proposals = append(proposals, p)
	}
	return proposals
}

func (e *Engine) latestReport() (string, string) {
	entries, err := os.ReadDir(e.reportsDir)
	if err != nil {
		return "", ""
	}
	latest := ""
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if entry.Name() > latest {
			latest = entry.Name()
		}
	}
	if latest == "" {
		return "", ""
	}
	data, err := os.ReadFile(filepath.Join(e.reportsDir, latest))
	if err != nil {
		e.logger.Error("architect: read report %s: %v", latest, err)
		return "", ""
	}
	return string(data), strings.TrimSuffix(latest, ".md")
}

// applyChanges writes the proposal content into the first affected file.
// Experience-level changes touch exactly one file.
func (e *Engine) applyChanges(ctx context.Context, p Proposal) error {
	if len(p.FilesAffected) == 0 {
		return nil
	}
	newContent := p.NewContent
	if newContent == "" {
		if e.client == nil {
			return errors.New("no content and no model to generate it")
		}
		newContent = e.client.Complete(ctx, designContentSystemPrompt,
			fmt.Sprintf("Problem: %s\nSolution: %s\nTarget file: %s", p.Problem, p.Solution, p.FilesAffected[0]),
			e.model, 1500)
		if newContent == "" {
			return errors.New("model returned empty content, refusing to overwrite file")
		}
	}

	targetRel := p.FilesAffected[0]
	targetPath, err := e.ws.Resolve(targetRel)
	if err != nil {
		return fmt.Errorf("path rejected: %w", err)
	}

	old := ""
	if data, err := os.ReadFile(targetPath); err == nil {
		old = string(data)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(targetPath, []byte(newContent), 0o644); err != nil {
		return err
	}

	dmp := diffmatchpatch.New()
	var inserted, deleted int
	for _, d := range dmp.DiffMain(old, newContent, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			inserted += len(d.Text)
		case diffmatchpatch.DiffDelete:
			deleted += len(d.Text)
		}
	}
	e.logger.Info("architect: wrote %s (+%d/-%d chars)", targetRel, inserted, deleted)
	return nil
}

// evaluateEffect passes verification when no HIGH or CRITICAL signals are
// active.
func (e *Engine) evaluateEffect() bool {
	rows, err := store.ReadJSONL[signals.Signal](e.signalsPath)
	if err != nil {
		e.logger.Error("architect: read signals for verification: %v", err)
		return true
	}
	for _, row := range rows {
		if row.Status != "" && row.Status != signals.StatusActive {
			continue
		}
		if row.Priority == signals.PriorityCritical || row.Priority == signals.PriorityHigh {
			return false
		}
	}
	return true
}

func (e *Engine) saveProposal(p Proposal) {
	data, err := jsonx.MarshalIndent(p, "", "  ")
	if err != nil {
		e.logger.Error("architect: marshal proposal %s: %v", p.ProposalID, err)
		return
	}
	path := filepath.Join(e.proposalsDir, p.ProposalID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Error("architect: save proposal %s: %v", p.ProposalID, err)
	}
}

func (e *Engine) updateStatus(proposalID, status, backupID string) {
	p, ok := e.LoadProposal(proposalID)
	if !ok {
		return
	}
	p.Status = status
	if status == StatusExecuted {
		p.ExecutedAt = store.Now()
	}
	if backupID != "" {
		p.BackupID = backupID
	}
	e.saveProposal(p)
}

func (e *Engine) recordProposal(p Proposal, status string) {
	if e.tracker == nil {
		return
	}
	e.tracker.RecordProposal(p.ProposalID, p.Level, status, p.FilesAffected)
}

func (e *Engine) notifyProposal(p Proposal) {
	if e.notifier != nil {
		e.notifier.NotifyProposal(p)
	}
}

func (e *Engine) notifyMessage(text, messageType string) {
	if e.notifier != nil {
		e.notifier.NotifyMessage(text, messageType)
	}
}

func (e *Engine) notifyCouncil(p Proposal, review council.Review) {
	e.notifyMessage(fmt.Sprintf(
		"Council conclusion: %s\nProposal %s: %s\nSummary: %s",
		review.Conclusion, p.ProposalID, p.Problem, review.Summary,
	), "council")
}
