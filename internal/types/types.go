// Package types provides shared type definitions used across nodevalidator packages.
// This package exists to break import cycles between the coordinator, store, agent and control layers.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// VALIDATION STATUS
// =============================================================================

// Status is the verdict recorded for a single validation item.
// It is a closed set; ParseStatus rejects anything outside it.
type Status int

const (
	StatusPending Status = iota
	StatusTruePositive
	StatusFalsePositive
	StatusFalseNegative
	StatusNotValid
	StatusNeedsReview
	StatusSkipped
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusTruePositive,
	StatusFalsePositive,
	StatusFalseNegative,
	StatusNotValid,
	StatusNeedsReview,
	StatusSkipped,
}

// String returns the wire form used in CSV files and the command protocol.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusTruePositive:
		return "True Positive"
	case StatusFalsePositive:
		return "False Positive"
	case StatusFalseNegative:
		return "False Negative"
	case StatusNotValid:
		return "Not Valid"
	case StatusNeedsReview:
		return "Needs Review"
	case StatusSkipped:
		return "Skipped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusSkipped
}

// IsFinal reports whether the item carries a verdict.
func (s Status) IsFinal() bool {
	return s != StatusPending
}

// ParseStatus parses the wire form and its common spellings.
// An empty string is Pending. "Not Found" is an older spelling of Not Valid.
func ParseStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "", "pending":
		return StatusPending, nil
	case "truepositive", "tp":
		return StatusTruePositive, nil
	case "falsepositive", "fp":
		return StatusFalsePositive, nil
	case "falsenegative", "fn":
		return StatusFalseNegative, nil
	case "notvalid", "notfound":
		return StatusNotValid, nil
	case "needsreview", "review":
		return StatusNeedsReview, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	}
	return StatusPending, fmt.Errorf("unknown status %q", raw)
}

// MarshalJSON writes the wire form.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the wire form; null and "" decode as Pending.
func (s *Status) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = StatusPending
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("status must be a string: %w", err)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// VALIDATION ITEMS
// =============================================================================

// Item is one (page, selector) pair to validate.
type Item struct {
	URL        string `json:"url"`
	TargetNode string `json:"targetNode"`
	Status     Status `json:"status"`
	Comments   string `json:"comments,omitempty"`
}

// Validate checks the item invariants.
func (it Item) Validate() error {
	if strings.TrimSpace(it.URL) == "" {
		return fmt.Errorf("item has empty url")
	}
	if strings.TrimSpace(it.TargetNode) == "" {
		return fmt.Errorf("item %s has empty targetNode", it.URL)
	}
	if !it.Status.Valid() {
		return fmt.Errorf("item %s has invalid status %d", it.URL, int(it.Status))
	}
	return nil
}

// CloneItems returns a deep copy of items.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// =============================================================================
// RUN STATE
// =============================================================================

// Mode selects how the coordinator decides the next step.
type Mode int

const (
	ModeManual Mode = iota
	ModeAutomated
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAutomated:
		return "automated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ModeFor maps the protocol's automated flag to a Mode.
func ModeFor(automated bool) Mode {
	if automated {
		return ModeAutomated
	}
	return ModeManual
}

// MarshalJSON writes "manual" or "automated".
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts "manual" or "automated".
func (m *Mode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToLower(raw) {
	case "manual", "":
		*m = ModeManual
	case "automated", "auto":
		*m = ModeAutomated
	default:
		return fmt.Errorf("unknown mode %q", raw)
	}
	return nil
}

// Phase is the externally visible run phase. Exactly one holds at a time.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLoaded          Phase = "loaded"
	PhaseRunning         Phase = "running"
	PhaseAwaitingVerdict Phase = "awaiting_verdict"
	PhaseStopped         Phase = "stopped"
	PhaseComplete        Phase = "complete"
)

// RunState is the process-wide run singleton.
// Items, CurrentIndex, FilterStartIndex, InitialFilterStartIndex and Stopped are durable;
// the rest lives only in the coordinator's memory.
type RunState struct {
	Items                   []Item `json:"items"`
	CurrentIndex            int    `json:"currentIndex"`
	FilterStartIndex        int    `json:"filterStartIndex"`
	InitialFilterStartIndex *int   `json:"initialFilterStartIndex,omitempty"`
	Stopped                 bool   `json:"stopped"`
	Mode                    Mode   `json:"mode"`
	ActiveTabID             string `json:"activeTabId,omitempty"`
	LastNavigatedURL        string `json:"lastNavigatedUrl,omitempty"`
}

// Complete reports whether every item has been visited.
func (rs RunState) Complete() bool {
	return len(rs.Items) > 0 && rs.CurrentIndex >= len(rs.Items)
}

// ClampIndex bounds i to [0, len(items)].
func ClampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// Clone returns a deep copy of the state.
func (rs RunState) Clone() RunState {
	out := rs
	out.Items = CloneItems(rs.Items)
	if rs.InitialFilterStartIndex != nil {
		v := *rs.InitialFilterStartIndex
		out.InitialFilterStartIndex = &v
	}
	return out
}
