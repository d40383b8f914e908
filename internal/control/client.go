// Package control is the client side of the command protocol: a typed HTTP
// client for the serve process and a Surface that keeps a cached copy of the
// run state for interactive front ends.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"nodevalidator/internal/analysis"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/server"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

// sentinels are coordinator errors the client maps back from their text.
var sentinels = []error{
	coordinator.ErrNoItems,
	coordinator.ErrNoActiveTab,
	coordinator.ErrNotRunning,
	coordinator.ErrIndexOutOfRange,
	coordinator.ErrInvalidStatus,
	coordinator.ErrAlreadyComplete,
	coordinator.ErrClosed,
	store.ErrReportNotFound,
	analysis.ErrNoAPIKey,
}

// RemoteError is a command the server rejected.
type RemoteError struct {
	Op     string
	Msg    string
	target error
}

func (e *RemoteError) Error() string { return e.Op + ": " + e.Msg }

// Unwrap returns the matching coordinator sentinel, if any.
func (e *RemoteError) Unwrap() error { return e.target }

func remoteError(op, msg string) error {
	re := &RemoteError{Op: op, Msg: msg}
	for _, s := range sentinels {
		if strings.HasPrefix(msg, s.Error()) {
			re.target = s
			break
		}
	}
	return re
}

// Client talks to a serve process.
type Client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a client for addr, given as host:port or a full URL.
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(addr, "/"),
		http:   &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}
}

// do sends a request and decodes a JSON answer into out. Non-2xx answers
// and {ok:false} replies become errors.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		var r server.Reply
		if json.Unmarshal(data, &r) == nil && r.Error != "" {
			return remoteError(op, r.Error)
		}
		return fmt.Errorf("%s: %s", op, resp.Status)
	}
	if out == nil {
		out = &server.Reply{}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if r, ok := out.(*server.Reply); ok && !r.OK {
		return remoteError(op, r.Error)
	}
	return nil
}

// Load replaces the run's items.
func (c *Client) Load(ctx context.Context, items []types.Item) error {
	return c.do(ctx, "load", http.MethodPost, "/api/load", server.LoadRequest{Items: items}, nil)
}

// Start begins a run.
func (c *Client) Start(ctx context.Context, req coordinator.StartRequest) error {
	return c.do(ctx, "start", http.MethodPost, "/api/start", req, nil)
}

// Stop pauses the run.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, "stop", http.MethodPost, "/api/stop", struct{}{}, nil)
}

// Resume continues a stopped run. A nil automated keeps the current mode.
func (c *Client) Resume(ctx context.Context, automated *bool) error {
	return c.do(ctx, "resume", http.MethodPost, "/api/resume", server.ResumeRequest{Automated: automated}, nil)
}

// RecordVerdict sets the status of item index.
func (c *Client) RecordVerdict(ctx context.Context, index int, status types.Status, comments string) error {
	req := server.VerdictRequest{Index: &index, Status: status.String(), Comments: comments}
	return c.do(ctx, "verdict", http.MethodPost, "/api/verdict", req, nil)
}

// Advance moves to the next item and reports whether the run completed.
func (c *Client) Advance(ctx context.Context) (bool, error) {
	var r server.Reply
	if err := c.do(ctx, "advance", http.MethodPost, "/api/advance", struct{}{}, &r); err != nil {
		return false, err
	}
	return r.Complete, nil
}

// ToggleMode switches between manual and automated.
func (c *Client) ToggleMode(ctx context.Context, automated bool) (types.Mode, error) {
	var r server.Reply
	if err := c.do(ctx, "mode", http.MethodPost, "/api/mode", server.ModeRequest{Automated: &automated}, &r); err != nil {
		return types.ModeManual, err
	}
	if r.Mode == nil {
		return types.ModeFor(automated), nil
	}
	return *r.Mode, nil
}

// Reset clears all run state.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, "reset", http.MethodPost, "/api/reset", struct{}{}, nil)
}

// State returns the full run state.
func (c *Client) State(ctx context.Context) (coordinator.Snapshot, error) {
	var snap coordinator.Snapshot
	err := c.do(ctx, "state", http.MethodGet, "/api/state", nil, &snap)
	return snap, err
}

// Heartbeat pings the server and returns its clock.
func (c *Client) Heartbeat(ctx context.Context) (time.Time, error) {
	var r server.Reply
	if err := c.do(ctx, "heartbeat", http.MethodGet, "/api/heartbeat", nil, &r); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(r.Timestamp), nil
}

// Element returns the last locate outcome.
func (c *Client) Element(ctx context.Context) (coordinator.LocateRecord, error) {
	var rec coordinator.LocateRecord
	err := c.do(ctx, "element", http.MethodGet, "/api/element", nil, &rec)
	return rec, err
}

// Export writes the CSV for scope ("run" or "all") to w and returns the
// file name the server suggests.
func (c *Client) Export(ctx context.Context, scope string, w io.Writer) (string, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/export?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		var r server.Reply
		if err := json.NewDecoder(resp.Body).Decode(&r); err == nil && r.Error != "" {
			return "", remoteError("export", r.Error)
		}
		return "", fmt.Errorf("export: %s", resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	name := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	return name, nil
}

// Reports lists saved reports.
func (c *Client) Reports(ctx context.Context) ([]store.Report, error) {
	var reps []store.Report
	if err := c.doList(ctx, "reports", "/api/reports", &reps); err != nil {
		return nil, err
	}
	return reps, nil
}

// SaveReport snapshots the current items as a report.
func (c *Client) SaveReport(ctx context.Context, name, scope string) (store.Report, error) {
	var rep store.Report
	err := c.doObject(ctx, "save report", http.MethodPost, "/api/reports", server.SaveReportRequest{Name: name, Scope: scope}, &rep)
	return rep, err
}

// Report fetches one saved report with its items.
func (c *Client) Report(ctx context.Context, id string) (store.Report, error) {
	var rep store.Report
	err := c.doObject(ctx, "report", http.MethodGet, "/api/reports/"+url.PathEscape(id), nil, &rep)
	return rep, err
}

// DeleteReport removes a saved report.
func (c *Client) DeleteReport(ctx context.Context, id string) error {
	return c.do(ctx, "delete report", http.MethodDelete, "/api/reports/"+url.PathEscape(id), nil, nil)
}

// Rules lists the accessibility rules the server knows.
func (c *Client) Rules(ctx context.Context) ([]analysis.Rule, error) {
	var rules []analysis.Rule
	err := c.doList(ctx, "rules", "/api/rules", &rules)
	return rules, err
}

// Analyze checks the last located element. An empty ruleID checks every rule.
func (c *Client) Analyze(ctx context.Context, ruleID string) (server.AnalyzeReply, error) {
	var ar server.AnalyzeReply
	if err := c.doObject(ctx, "analyze", http.MethodPost, "/api/analyze", server.AnalyzeRequest{RuleID: ruleID}, &ar); err != nil {
		return ar, err
	}
	if !ar.OK {
		return ar, remoteError("analyze", ar.Error)
	}
	return ar, nil
}

// doObject decodes a JSON object that is either the payload or a Reply
// carrying an error.
func (c *Client) doObject(ctx context.Context, op, method, path string, in, out interface{}) error {
	var raw json.RawMessage
	if err := c.do(ctx, op, method, path, in, &raw); err != nil {
		return err
	}
	var r server.Reply
	if json.Unmarshal(raw, &r) == nil && !r.OK && r.Error != "" {
		return remoteError(op, r.Error)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// doList decodes a JSON array, or the error of a Reply object.
func (c *Client) doList(ctx context.Context, op, path string, out interface{}) error {
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, path, nil, &raw); err != nil {
		return err
	}
	if len(raw) > 0 && raw[0] == '{' {
		var r server.Reply
		if err := json.Unmarshal(raw, &r); err == nil && r.Error != "" {
			return remoteError(op, r.Error)
		}
		return fmt.Errorf("%s: unexpected response", op)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Events subscribes to push notifications. The channel closes when ctx is
// done or the connection drops.
func (c *Client) Events(ctx context.Context) (<-chan notify.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/api/events"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	out := make(chan notify.Event, 64)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()
	go func() {
		defer close(done)
		defer close(out)
		for {
			var e notify.Event
			if err := conn.ReadJSON(&e); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logging.Get(logging.CategoryControl).Warn("Event stream ended: %v", err)
				}
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
