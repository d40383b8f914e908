// Package report summarizes validation results and builds saved reports.
package report

import (
	"fmt"
	"strings"
	"time"

	"nodevalidator/internal/csvio"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"

	"github.com/google/uuid"
)

// Summary counts items per status.
type Summary struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	TruePositives  int `json:"truePositives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
	NotValid       int `json:"notValid"`
	NeedsReview    int `json:"needsReview"`
	Skipped        int `json:"skipped"`
}

// Summarize counts items by status.
func Summarize(items []types.Item) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case types.StatusPending:
			s.Pending++
		case types.StatusTruePositive:
			s.TruePositives++
		case types.StatusFalsePositive:
			s.FalsePositives++
		case types.StatusFalseNegative:
			s.FalseNegatives++
		case types.StatusNotValid:
			s.NotValid++
		case types.StatusNeedsReview:
			s.NeedsReview++
		case types.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// Reviewed is the number of items carrying a verdict.
func (s Summary) Reviewed() int {
	return s.Total - s.Pending
}

// Map returns the counts keyed by their JSON names, for storage.
func (s Summary) Map() map[string]int {
	return map[string]int{
		"total":          s.Total,
		"pending":        s.Pending,
		"truePositives":  s.TruePositives,
		"falsePositives": s.FalsePositives,
		"falseNegatives": s.FalseNegatives,
		"notValid":       s.NotValid,
		"needsReview":    s.NeedsReview,
		"skipped":        s.Skipped,
	}
}

// FromMap is the inverse of Map.
func FromMap(m map[string]int) Summary {
	return Summary{
		Total:          m["total"],
		Pending:        m["pending"],
		TruePositives:  m["truePositives"],
		FalsePositives: m["falsePositives"],
		FalseNegatives: m["falseNegatives"],
		NotValid:       m["notValid"],
		NeedsReview:    m["needsReview"],
		Skipped:        m["skipped"],
	}
}

// Markdown renders the summary as a table.
func (s Summary) Markdown(title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%d of %d item(s) reviewed.\n\n", s.Reviewed(), s.Total)
	b.WriteString("| Status | Count |\n|---|---:|\n")
	rows := []struct {
		status types.Status
		n      int
	}{
		{types.StatusTruePositive, s.TruePositives},
		{types.StatusFalsePositive, s.FalsePositives},
		{types.StatusFalseNegative, s.FalseNegatives},
		{types.StatusNotValid, s.NotValid},
		{types.StatusNeedsReview, s.NeedsReview},
		{types.StatusSkipped, s.Skipped},
		{types.StatusPending, s.Pending},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %d |\n", r.status, r.n)
	}
	return b.String()
}

// RunScope returns the items of the current run segment, from filterStart on.
func RunScope(items []types.Item, filterStart int) []types.Item {
	start := types.ClampIndex(filterStart, len(items))
	return types.CloneItems(items[start:])
}

// Build creates a saved report for items. An empty name becomes the export
// file name for now.
func Build(name string, items []types.Item, now time.Time) store.Report {
	if strings.TrimSpace(name) == "" {
		name = csvio.Filename(now)
	}
	s := Summarize(items)
	return store.Report{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		Total:     s.Total,
		Summary:   s.Map(),
		Items:     types.CloneItems(items),
	}
}
