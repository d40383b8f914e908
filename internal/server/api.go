package server

import (
	"nodevalidator/internal/analysis"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/types"
)

// Reply is the body of every command response.
type Reply struct {
	OK        bool        `json:"ok"`
	Error     string      `json:"error,omitempty"`
	Complete  bool        `json:"complete,omitempty"`
	Mode      *types.Mode `json:"mode,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// LoadRequest is the body of POST /api/load.
type LoadRequest struct {
	Items []types.Item `json:"items"`
}

// ResumeRequest is the body of POST /api/resume.
type ResumeRequest struct {
	Automated *bool `json:"automated,omitempty"`
}

// VerdictRequest is the body of POST /api/verdict.
type VerdictRequest struct {
	Index    *int   `json:"index"`
	Status   string `json:"status"`
	Comments string `json:"comments"`
}

// ModeRequest is the body of POST /api/mode.
type ModeRequest struct {
	Automated *bool `json:"automated"`
}

// SaveReportRequest is the body of POST /api/reports.
type SaveReportRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope"` // run or all
}

// AnalyzeRequest is the body of POST /api/analyze. An empty RuleID checks
// every rule.
type AnalyzeRequest struct {
	RuleID string `json:"ruleId,omitempty"`
}

// AnalyzeReply carries the results for the last located element.
type AnalyzeReply struct {
	Reply
	Selector string            `json:"selector,omitempty"`
	Results  []analysis.Result `json:"results,omitempty"`
}

// StartRequest is the body of POST /api/start.
type StartRequest = coordinator.StartRequest
