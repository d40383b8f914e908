package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/logging"
)

// Verdict is the outcome of one rule check.
type Verdict string

const (
	VerdictPass  Verdict = "PASS"
	VerdictFail  Verdict = "FAIL"
	VerdictError Verdict = "ERROR"
)

// Result is the analysis of one element against one rule.
type Result struct {
	RuleID      string    `json:"ruleId"`
	Status      Verdict   `json:"status"`
	Confidence  float64   `json:"confidence,omitempty"`
	Summary     string    `json:"summary"`
	Details     string    `json:"details"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Findings    []Finding `json:"findings,omitempty"`
}

// ErrNoRule is returned when Analyze is called without a rule.
var ErrNoRule = errors.New("No accessibility rule selected. Please select a rule to analyze against.")

const systemInstruction = `You are an accessibility auditor. Evaluate the given HTML element against the given accessibility rule.
Answer with a single JSON object and nothing else:
{"status": "PASS" or "FAIL", "confidence": number between 0 and 1, "summary": "one sentence", "details": "explanation", "suggestions": ["fix", ...]}`

var (
	jsonObject    = regexp.MustCompile(`\{[\s\S]*\}`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// Analyzer evaluates located elements against accessibility rules.
type Analyzer struct {
	gen     Generator
	timeout time.Duration
}

// NewAnalyzer creates an analyzer. A zero timeout means 60s.
func NewAnalyzer(gen Generator, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Analyzer{gen: gen, timeout: timeout}
}

// Analyze checks one element against one rule. Model failures are reported
// as an ERROR result, not as an error; the error return is for bad input.
func (a *Analyzer) Analyze(ctx context.Context, rule *Rule, el agent.ElementDetails) (Result, error) {
	if rule == nil {
		return Result{}, ErrNoRule
	}
	if a.gen == nil {
		return Result{}, ErrNoAPIKey
	}
	timer := logging.StartTimer(logging.CategoryAnalysis, "analyze "+rule.ID)
	defer timer.Stop()

	findings, err := Precheck(el.HTML)
	if err != nil {
		logging.Get(logging.CategoryAnalysis).Warn("precheck failed for %s: %v", rule.ID, err)
	}
	var relevant []Finding
	for _, f := range findings {
		if f.RuleID == rule.ID {
			relevant = append(relevant, f)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.gen.Generate(callCtx, systemInstruction, BuildPrompt(rule, el, relevant))
	if err != nil {
		logging.Get(logging.CategoryAnalysis).Error("analysis of %s failed: %v", rule.ID, err)
		return Result{
			RuleID:   rule.ID,
			Status:   VerdictError,
			Summary:  "Analysis request failed",
			Details:  err.Error(),
			Findings: relevant,
		}, nil
	}

	res := ParseResponse(text)
	res.RuleID = rule.ID
	res.Findings = relevant
	logging.Analysis("Rule %s: %s (%s)", rule.ID, res.Status, res.Summary)
	return res, nil
}

// AnalyzeAll checks el against every rule with at most limit requests in
// flight. Results keep the order of rules.
func (a *Analyzer) AnalyzeAll(ctx context.Context, rules []Rule, el agent.ElementDetails, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 4
	}
	results := make([]Result, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range rules {
		i := i
		g.Go(func() error {
			res, err := a.Analyze(gctx, &rules[i], el)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// BuildPrompt renders the rule and element into the model prompt.
func BuildPrompt(rule *Rule, el agent.ElementDetails, findings []Finding) string {
	var sb strings.Builder
	sb.WriteString("RULE\n")
	fmt.Fprintf(&sb, "ID: %s\nName: %s\nDescription: %s\n", rule.ID, rule.Name, rule.Description)
	if rule.Details != "" {
		fmt.Fprintf(&sb, "Details: %s\n", rule.Details)
	}
	if len(rule.Criteria) > 0 {
		sb.WriteString("Criteria:\n")
		for _, c := range rule.Criteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}

	sb.WriteString("\nELEMENT DATA\n")
	fmt.Fprintf(&sb, "HTML:\n%s\n", el.HTML)
	if el.ParentHTML != "" {
		fmt.Fprintf(&sb, "Parent HTML:\n%s\n", el.ParentHTML)
	}
	if len(el.Accessibility) > 0 {
		fmt.Fprintf(&sb, "Accessibility: %s\n", strings.Join(el.Accessibility, "; "))
	}
	writeMap(&sb, "CSS", el.CSSProperties)
	writeMap(&sb, "Attributes", el.Attributes)

	if len(findings) > 0 {
		sb.WriteString("\nAUTOMATED CHECKS\n")
		for _, f := range findings {
			fmt.Fprintf(&sb, "- %s\n", f.Message)
		}
	}
	return sb.String()
}

func writeMap(sb *strings.Builder, title string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(sb, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(sb, "  %s: %s\n", k, m[k])
	}
}

type modelAnswer struct {
	Status      string          `json:"status"`
	Confidence  float64         `json:"confidence"`
	Summary     string          `json:"summary"`
	Details     string          `json:"details"`
	Suggestions json.RawMessage `json:"suggestions"`
}

// ParseResponse extracts the JSON object from a model answer, repairing
// trailing commas. Anything unusable becomes an ERROR result.
func ParseResponse(text string) Result {
	raw := jsonObject.FindString(text)
	if raw == "" {
		return Result{Status: VerdictError, Summary: "Unexpected AI response format", Details: text}
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(raw), &ans); err != nil {
		repaired := trailingComma.ReplaceAllString(raw, "$1")
		if err := json.Unmarshal([]byte(repaired), &ans); err != nil {
			return Result{Status: VerdictError, Summary: "Failed to parse AI response", Details: err.Error()}
		}
	}

	res := Result{
		Confidence:  ans.Confidence,
		Summary:     ans.Summary,
		Details:     ans.Details,
		Suggestions: suggestions(ans.Suggestions),
	}
	switch strings.ToUpper(strings.TrimSpace(ans.Status)) {
	case "PASS":
		res.Status = VerdictPass
	case "FAIL":
		res.Status = VerdictFail
	default:
		res.Status = VerdictError
		if res.Summary == "" {
			res.Summary = "Unexpected AI response format"
		}
	}
	return res
}

// suggestions accepts either a list of strings or a single string.
func suggestions(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

// Markdown renders results as a markdown report.
func Markdown(selector string, results []Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Accessibility analysis\n\nElement: `%s`\n\n", selector)
	for _, r := range results {
		fmt.Fprintf(&sb, "## %s: %s\n\n", r.RuleID, r.Status)
		if r.Summary != "" {
			fmt.Fprintf(&sb, "%s\n\n", r.Summary)
		}
		if r.Details != "" {
			fmt.Fprintf(&sb, "%s\n\n", r.Details)
		}
		for _, f := range r.Findings {
			fmt.Fprintf(&sb, "- check: %s\n", f.Message)
		}
		for _, s := range r.Suggestions {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
