// Package rules loads and scores the two tiers of Markdown rule files that
// shape the system prompt: a stable constitution tier that is always
// injected, and an experience tier scored against the task at hand.
package rules

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"evoagent/internal/logging"
	"evoagent/internal/tokens"
)

// Rule tiers.
const (
	TierConstitution = "constitution"
	TierExperience   = "experience"
)

var headingRe = regexp.MustCompile(`(?m)^#+\s+(.+)$`)

// Rule is one Markdown rule file.
type Rule struct {
	FilePath string
	Name     string
	Tier     string
	Content  string
}

// Keywords returns the words of every Markdown heading in the rule body.
func (r *Rule) Keywords() []string {
	var kws []string
	for _, m := range headingRe.FindAllStringSubmatch(r.Content, -1) {
		kws = append(kws, strings.Fields(strings.TrimSpace(m[1]))...)
	}
	return kws
}

// TokenEstimate is the coarse prompt cost of injecting this rule.
func (r *Rule) TokenEstimate() int {
	return tokens.Estimate(r.Content)
}

// PromptSection is the rules part of an assembled system prompt.
type PromptSection struct {
	ConstitutionPrompt string
	ExperiencePrompt   string
	ConstitutionTokens int
	ExperienceTokens   int
	RulesUsed          []string
}

// Interpreter loads rule files and builds prompt sections under budgets.
type Interpreter struct {
	rulesDir string
	logger   logging.Logger

	mu           sync.Mutex
	constitution []Rule
	experience   []Rule
	loaded       bool
}

// NewInterpreter reads rules from rulesDir/constitution and
// rulesDir/experience. Loading is lazy; call Reload after the architect
// rewrites a rule file.
func NewInterpreter(rulesDir string, logger logging.Logger) *Interpreter {
	return &Interpreter{rulesDir: rulesDir, logger: logging.OrNop(logger)}
}

// Reload drops the cached rules and re-reads both directories.
func (it *Interpreter) Reload() {
	it.mu.Lock()
	it.loaded = false
	it.mu.Unlock()
	it.ensureLoaded()
}

func (it *Interpreter) ensureLoaded() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.loaded {
		return
	}
	it.constitution = it.loadTier(TierConstitution)
	it.experience = it.loadTier(TierExperience)
	it.loaded = true

	total := 0
	for _, r := range append(append([]Rule{}, it.constitution...), it.experience...) {
		total += r.TokenEstimate()
	}
	it.logger.Info("rules: loaded %d constitution + %d experience rules (%d est. tokens)",
		len(it.constitution), len(it.experience), total)
}

func (it *Interpreter) loadTier(tier string) []Rule {
	dir := filepath.Join(it.rulesDir, tier)
	entries, err := os.ReadDir(dir)
	if err != nil {
		it.logger.Warn("rules: directory not found: %s", dir)
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Rule
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			it.logger.Error("rules: read %s: %v", path, err)
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		out = append(out, Rule{
			FilePath: path,
			Name:     strings.TrimSuffix(name, ".md"),
			Tier:     tier,
			Content:  content,
		})
	}
	return out
}

// ConstitutionRules returns every constitution-tier rule in file order.
func (it *Interpreter) ConstitutionRules() []Rule {
	it.ensureLoaded()
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]Rule{}, it.constitution...)
}

// ExperienceRules returns experience-tier rules sorted by relevance to
// taskContext and greedily cut to maxTokens. A negative budget means no cap.
func (it *Interpreter) ExperienceRules(taskContext string, maxTokens int) []Rule {
	it.ensureLoaded()
	it.mu.Lock()
	rules := append([]Rule{}, it.experience...)
	it.mu.Unlock()

	if taskContext != "" {
		type scored struct {
			score float64
			rule  Rule
		}
		ranked := make([]scored, len(rules))
		for i, r := range rules {
			ranked[i] = scored{score: relevanceScore(&r, taskContext), rule: r}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		for i := range ranked {
			rules[i] = ranked[i].rule
		}
	}

	if maxTokens < 0 {
		return rules
	}
	var out []Rule
	used := 0
	for _, r := range rules {
		est := r.TokenEstimate()
		if used+est > maxTokens {
			break
		}
		out = append(out, r)
		used += est
	}
	return out
}

// relevanceScore matches keywords both directions, the rule name, and
// character bigrams so whitespace-free scripts still rank. A small floor
// keeps ordering stable when nothing matches.
func relevanceScore(r *Rule, taskContext string) float64 {
	score := 0.0
	ctx := strings.ToLower(taskContext)

	for _, kw := range r.Keywords() {
		kwLower := strings.ToLower(kw)
		if strings.Contains(ctx, kwLower) {
			score += 2.0
		} else if strings.Contains(kwLower, ctx) {
			score += 1.5
		}
	}

	name := strings.ToLower(strings.ReplaceAll(r.Name, "_", " "))
	if strings.Contains(ctx, name) || strings.Contains(name, ctx) {
		score += 1.0
	}

	preview := strings.ToLower(slice(r.Content, 300))
	overlap := bigramOverlap(ctx, preview)
	if overlap > 0 {
		bonus := float64(overlap) * 0.3
		if bonus > 3.0 {
			bonus = 3.0
		}
		score += bonus
	}

	return score + 0.01
}

func slice(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func bigramOverlap(a, b string) int {
	set := bigrams(a)
	count := 0
	for bg := range bigrams(b) {
		if set[bg] {
			count++
		}
	}
	return count
}

func bigrams(s string) map[string]bool {
	runes := []rune(s)
	out := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	return out
}

// BuildPromptSection assembles the constitution and experience prompt parts
// within their budgets. Constitution rules keep file order so the prompt
// prefix stays stable across turns.
func (it *Interpreter) BuildPromptSection(taskContext string, constitutionBudget, experienceBudget int) PromptSection {
	var section PromptSection

	var constitutionParts []string
	for _, r := range it.ConstitutionRules() {
		est := r.TokenEstimate()
		if section.ConstitutionTokens+est > constitutionBudget {
			it.logger.Warn("rules: constitution budget exceeded, skipping %s", r.Name)
			break
		}
		constitutionParts = append(constitutionParts, "### "+r.Name+"\n\n"+r.Content)
		section.ConstitutionTokens += est
		section.RulesUsed = append(section.RulesUsed, r.Name)
	}

	var experienceParts []string
	for _, r := range it.ExperienceRules(taskContext, experienceBudget) {
		experienceParts = append(experienceParts, "### "+r.Name+"\n\n"+r.Content)
		section.ExperienceTokens += r.TokenEstimate()
		section.RulesUsed = append(section.RulesUsed, r.Name)
	}

	if len(constitutionParts) > 0 {
		section.ConstitutionPrompt = "## Core Rules\n\n" + strings.Join(constitutionParts, "\n\n")
	}
	if len(experienceParts) > 0 {
		section.ExperiencePrompt = "## Guidance from Experience\n\n" + strings.Join(experienceParts, "\n\n")
	}
	return section
}

// RuleByName finds a rule in either tier.
func (it *Interpreter) RuleByName(name string) (Rule, bool) {
	it.ensureLoaded()
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, r := range it.constitution {
		if r.Name == name {
			return r, true
		}
	}
	for _, r := range it.experience {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}

// Inventory lists every loaded rule name by tier, for the observer's deep
// analysis input.
func (it *Interpreter) Inventory() map[string][]string {
	it.ensureLoaded()
	it.mu.Lock()
	defer it.mu.Unlock()
	out := map[string][]string{}
	for _, r := range it.constitution {
		out[TierConstitution] = append(out[TierConstitution], r.Name)
	}
	for _, r := range it.experience {
		out[TierExperience] = append(out[TierExperience], r.Name)
	}
	return out
}
