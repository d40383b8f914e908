package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"nodevalidator/internal/analysis"
	"nodevalidator/internal/csvio"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/report"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

var errBadRequest = errors.New("bad request")

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Get(logging.CategoryServer).Warn("Error encoding JSON response: %v", err)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	jsonResponse(w, http.StatusBadRequest, Reply{Error: err.Error()})
}

// reply answers a command. Coordinator errors are part of the protocol and
// travel with a 200.
func reply(w http.ResponseWriter, err error) {
	if err != nil {
		jsonResponse(w, http.StatusOK, Reply{Error: err.Error()})
		return
	}
	jsonResponse(w, http.StatusOK, Reply{OK: true})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	reply(w, s.cmds.Load(r.Context(), req.Items))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	reply(w, s.cmds.Start(r.Context(), req))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reply(w, s.cmds.Stop(r.Context()))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	reply(w, s.cmds.Resume(r.Context(), req.Automated))
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	var req VerdictRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Index == nil {
		badRequest(w, fmt.Errorf("%w: index is required", errBadRequest))
		return
	}
	status, err := types.ParseStatus(req.Status)
	if err != nil {
		reply(w, err)
		return
	}
	reply(w, s.cmds.RecordVerdict(r.Context(), *req.Index, status, req.Comments))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	complete, err := s.cmds.Advance(r.Context())
	if err != nil {
		reply(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, Reply{OK: true, Complete: complete})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cmds.GetState(r.Context())
	if err != nil {
		jsonResponse(w, http.StatusInternalServerError, Reply{Error: err.Error()})
		return
	}
	jsonResponse(w, http.StatusOK, snap)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.Automated == nil {
		badRequest(w, fmt.Errorf("%w: automated is required", errBadRequest))
		return
	}
	mode, err := s.cmds.ToggleMode(r.Context(), *req.Automated)
	if err != nil {
		reply(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, Reply{OK: true, Mode: &mode})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	reply(w, s.cmds.Reset(r.Context()))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	now := s.cmds.Heartbeat()
	jsonResponse(w, http.StatusOK, Reply{OK: true, Timestamp: now.UnixMilli()})
}

func (s *Server) handleElement(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.cmds.LastLocate()
	if !ok {
		jsonResponse(w, http.StatusNotFound, Reply{Error: "no element located yet"})
		return
	}
	jsonResponse(w, http.StatusOK, rec)
}

// scopedItems returns the items selected by scope: run (from the filter
// start index) or all.
func (s *Server) scopedItems(r *http.Request, scope string) ([]types.Item, error) {
	snap, err := s.cmds.GetState(r.Context())
	if err != nil {
		return nil, err
	}
	switch scope {
	case "", "all":
		return snap.Items, nil
	case "run":
		return report.RunScope(snap.Items, snap.FilterStartIndex), nil
	}
	return nil, fmt.Errorf("%w: unknown scope %q", errBadRequest, scope)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	items, err := s.scopedItems(r, r.URL.Query().Get("scope"))
	if errors.Is(err, errBadRequest) {
		badRequest(w, err)
		return
	}
	if err != nil {
		jsonResponse(w, http.StatusInternalServerError, Reply{Error: err.Error()})
		return
	}
	if len(items) == 0 {
		reply(w, fmt.Errorf("no items to export"))
		return
	}

	var buf bytes.Buffer
	if err := csvio.Write(&buf, items); err != nil {
		jsonResponse(w, http.StatusInternalServerError, Reply{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", csvio.Filename(s.now())))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) requireReports(w http.ResponseWriter) bool {
	if s.reports == nil {
		jsonResponse(w, http.StatusOK, Reply{Error: "saved reports are not available"})
		return false
	}
	return true
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if !s.requireReports(w) {
		return
	}
	reps, err := s.reports.List(r.Context())
	if err != nil {
		reply(w, err)
		return
	}
	if reps == nil {
		reps = []store.Report{}
	}
	jsonResponse(w, http.StatusOK, reps)
}

func (s *Server) handleSaveReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireReports(w) {
		return
	}
	var req SaveReportRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	items, err := s.scopedItems(r, req.Scope)
	if errors.Is(err, errBadRequest) {
		badRequest(w, err)
		return
	}
	if err != nil {
		reply(w, err)
		return
	}
	if len(items) == 0 {
		reply(w, fmt.Errorf("no items to save"))
		return
	}

	rep := report.Build(req.Name, items, s.now())
	if err := s.reports.Save(r.Context(), rep); err != nil {
		reply(w, err)
		return
	}
	logging.Server("Saved report %s (%d items)", rep.ID, rep.Total)
	rep.Items = nil
	jsonResponse(w, http.StatusOK, rep)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireReports(w) {
		return
	}
	rep, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrReportNotFound) {
		jsonResponse(w, http.StatusNotFound, Reply{Error: err.Error()})
		return
	}
	if err != nil {
		reply(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireReports(w) {
		return
	}
	err := s.reports.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrReportNotFound) {
		jsonResponse(w, http.StatusNotFound, Reply{Error: err.Error()})
		return
	}
	reply(w, err)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.rules
	if rules == nil {
		rules = []analysis.Rule{}
	}
	jsonResponse(w, http.StatusOK, rules)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if s.analyzer == nil {
		reply(w, analysis.ErrNoAPIKey)
		return
	}
	rec, ok := s.cmds.LastLocate()
	if !ok || rec.Result.Details == nil {
		reply(w, fmt.Errorf("no located element to analyze"))
		return
	}

	var results []analysis.Result
	var err error
	if req.RuleID != "" {
		rule, found := analysis.FindRule(s.rules, req.RuleID)
		if !found {
			reply(w, fmt.Errorf("unknown rule %q", req.RuleID))
			return
		}
		var res analysis.Result
		res, err = s.analyzer.Analyze(r.Context(), &rule, *rec.Result.Details)
		results = []analysis.Result{res}
	} else {
		results, err = s.analyzer.AnalyzeAll(r.Context(), s.rules, *rec.Result.Details, 4)
	}
	if err != nil {
		reply(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, AnalyzeReply{
		Reply:    Reply{OK: true},
		Selector: rec.Selector,
		Results:  results,
	})
}
