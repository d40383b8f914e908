package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nodevalidator/internal/logging"
)

// Script is the page agent as a JavaScript function expression.
//
//go:embed agent.js
var Script string

const (
	locateShim = `(req) => window.__nodeValidator ? window.__nodeValidator.locateAndMark(req) : { __missing: true }`
	clearShim  = `() => window.__nodeValidator ? window.__nodeValidator.clear() : { __missing: true }`
)

var (
	// ErrNotInstalled means the script is not present in the tab.
	ErrNotInstalled = errors.New("page agent not installed")

	// ErrReplyTimeout means the page did not answer within the reply timeout.
	ErrReplyTimeout = errors.New("page agent did not reply")
)

// Evaluator runs a JavaScript function expression in a tab and returns its
// JSON-encoded result. Promises are awaited.
type Evaluator interface {
	Eval(ctx context.Context, tabID, fn string, args ...interface{}) (json.RawMessage, error)
}

// Options tune the client.
type Options struct {
	AllowScriptSelectors bool
	HighlightDuration    time.Duration
	ReplyTimeout         time.Duration
}

// Client speaks the page agent protocol.
type Client struct {
	ev   Evaluator
	opts Options
}

// NewClient creates a client over ev.
func NewClient(ev Evaluator, opts Options) *Client {
	if opts.HighlightDuration <= 0 {
		opts.HighlightDuration = 5 * time.Second
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	return &Client{ev: ev, opts: opts}
}

// InstallSource returns the script as a self-invoking statement, suitable for
// running on every new document.
func InstallSource() string {
	return "(" + Script + ")();"
}

// Inject installs the script into the current document of tabID.
func (c *Client) Inject(ctx context.Context, tabID string) error {
	if _, err := c.ev.Eval(ctx, tabID, Script); err != nil {
		return fmt.Errorf("inject page agent: %w", err)
	}
	logging.AgentDebug("Injected page agent into tab %s", tabID)
	return nil
}

// LocateAndMark resolves selector in tabID and highlights every match.
// The call is bounded by the reply timeout; on timeout it returns a
// not-found result together with ErrReplyTimeout.
func (c *Client) LocateAndMark(ctx context.Context, tabID, selector string, index int) (LocateResult, error) {
	req := LocateRequest{
		Selector:       selector,
		Index:          index,
		Strategies:     Plan(selector, c.opts.AllowScriptSelectors),
		HighlightMs:    c.opts.HighlightDuration.Milliseconds(),
		ReplyTimeoutMs: c.opts.ReplyTimeout.Milliseconds(),
	}
	notFound := LocateResult{Index: index, Message: "Element not found"}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.ReplyTimeout)
	defer cancel()

	raw, err := c.ev.Eval(callCtx, tabID, locateShim, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			notFound.Message = fmt.Sprintf("no reply within %s", c.opts.ReplyTimeout)
			return notFound, ErrReplyTimeout
		}
		return notFound, fmt.Errorf("locate %q: %w", selector, err)
	}

	if isMissing(raw) {
		return notFound, ErrNotInstalled
	}

	var res LocateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return notFound, fmt.Errorf("decode locate reply: %w", err)
	}
	logging.AgentDebug("Locate %q in tab %s: found=%v count=%d strategy=%s", selector, tabID, res.Found, res.Count, res.Strategy)
	return res, nil
}

// Clear removes all highlighting from tabID. It is idempotent.
func (c *Client) Clear(ctx context.Context, tabID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.ReplyTimeout)
	defer cancel()

	raw, err := c.ev.Eval(callCtx, tabID, clearShim)
	if err != nil {
		return fmt.Errorf("clear highlights: %w", err)
	}
	if isMissing(raw) {
		return ErrNotInstalled
	}
	return nil
}

func isMissing(raw json.RawMessage) bool {
	var m missingReply
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m.Missing
}
