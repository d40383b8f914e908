// Package coordinator owns the validation run state machine.
//
// The Coordinator keeps an in-memory RunState that is only a cache of the
// durable store: every externally triggered command first rehydrates it.
// Each run segment owns a context and an epoch number. Stop, Reset, Load and
// a restarting Start cancel the context and bump the epoch, and every deferred
// continuation checks the epoch after waking, so a stale continuation can never
// resurrect a stopped run.
//
// All store writes go through one ordered writer goroutine. A notification
// that confirms a write is published by the writer only after the write is
// durable.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/browser"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

var (
	ErrNoItems         = errors.New("no items loaded")
	ErrNoActiveTab     = errors.New("no active tab")
	ErrNotRunning      = errors.New("validation stopped")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrAlreadyComplete = errors.New("validation already complete")
	ErrClosed          = errors.New("coordinator closed")
)

// Comments written by automated classification and by finish.
const (
	CommentAutoFound    = "Automatically marked as True Positive"
	CommentAutoNotFound = "Automatically marked as Not Valid - element not found"
	CommentAutoFixed    = "Automatically marked as Not Valid - processing error"
)

// Tabs is the slice of the browser the coordinator drives.
type Tabs interface {
	ActiveTab(ctx context.Context) (browser.Tab, error)
	Navigate(ctx context.Context, tabID, url string) error
}

// Locator talks to the page agent in a tab.
type Locator interface {
	LocateAndMark(ctx context.Context, tabID, selector string, index int) (agent.LocateResult, error)
	Inject(ctx context.Context, tabID string) error
	Clear(ctx context.Context, tabID string) error
}

// Timings are the run's suspension delays.
type Timings struct {
	Settle    time.Duration // after navigation, before locating
	InterItem time.Duration // automated mode, between items
	Finish    time.Duration // automated mode, after the last item
	Retry     time.Duration // after injecting the agent, before retrying
}

// DefaultTimings returns the delays the extension shipped with.
func DefaultTimings() Timings {
	return Timings{
		Settle:    2 * time.Second,
		InterItem: 2 * time.Second,
		Finish:    time.Second,
		Retry:     500 * time.Millisecond,
	}
}

// Config wires a Coordinator.
type Config struct {
	Store    *store.RunStore
	Tabs     Tabs
	Agent    Locator
	Notifier notify.Notifier
	Timings  Timings

	// WriteTimeout bounds each store write. Zero means 10s.
	WriteTimeout time.Duration
}

// LocateRecord is the most recent locate outcome.
type LocateRecord struct {
	Index    int                `json:"index"`
	URL      string             `json:"url"`
	Selector string             `json:"selector"`
	Result   agent.LocateResult `json:"result"`
	At       time.Time          `json:"at"`
}

// Snapshot is what GetState returns.
type Snapshot struct {
	types.RunState
	Phase types.Phase `json:"phase"`
	RunID string      `json:"runId,omitempty"`
}

// segment is one Start/Resume run.
type segment struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

// Coordinator runs validation over a tab. It is safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	runs     *store.RunStore
	tabs     Tabs
	agent    Locator
	notifier notify.Notifier
	timings  Timings

	state    types.RunState
	seg      *segment
	step     context.CancelFunc
	epoch    uint64
	awaiting bool
	closed   bool

	lastLocate   *LocateRecord
	lastActivity time.Time

	writes       chan writeOp
	writeTimeout time.Duration
	writerDone   chan struct{}
	wg           sync.WaitGroup
}

// New creates a Coordinator and starts its store writer. Call Close to stop it.
func New(cfg Config) *Coordinator {
	if cfg.Notifier == nil {
		cfg.Notifier = discard{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &Coordinator{
		runs:         cfg.Store,
		tabs:         cfg.Tabs,
		agent:        cfg.Agent,
		notifier:     cfg.Notifier,
		timings:      cfg.Timings,
		writes:       make(chan writeOp, 64),
		writeTimeout: cfg.WriteTimeout,
		writerDone:   make(chan struct{}),
		lastActivity: time.Now(),
	}
	go c.writer()
	logging.Coordinator("Coordinator created (settle=%s inter=%s finish=%s retry=%s)",
		c.timings.Settle, c.timings.InterItem, c.timings.Finish, c.timings.Retry)
	return c
}

// Close cancels any active run, waits for its goroutines and drains the writer.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.haltLocked()
	c.mu.Unlock()

	c.wg.Wait()
	close(c.writes)
	<-c.writerDone
	logging.Coordinator("Coordinator closed")
	return nil
}

// SetTimings replaces the run delays. It affects the next suspension point.
func (c *Coordinator) SetTimings(t Timings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings = t
	logging.CoordinatorDebug("Timings updated: %+v", t)
}

// Timings returns the current run delays.
func (c *Coordinator) Timings() Timings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timings
}

// Heartbeat records liveness and returns the current time.
func (c *Coordinator) Heartbeat() time.Time {
	now := time.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
	return now
}

// Idle returns how long the coordinator has gone without a command or
// heartbeat, and whether a run is active.
func (c *Coordinator) Idle() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity), c.seg != nil
}

// LastLocate returns the most recent locate outcome, if any.
func (c *Coordinator) LastLocate() (LocateRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastLocate == nil {
		return LocateRecord{}, false
	}
	return *c.lastLocate, true
}

// phaseLocked derives the externally visible phase.
func (c *Coordinator) phaseLocked() types.Phase {
	switch {
	case len(c.state.Items) == 0:
		return types.PhaseIdle
	case c.state.CurrentIndex >= len(c.state.Items):
		return types.PhaseComplete
	case c.seg != nil && c.awaiting:
		return types.PhaseAwaitingVerdict
	case c.seg != nil:
		return types.PhaseRunning
	case c.state.Stopped:
		return types.PhaseStopped
	default:
		return types.PhaseLoaded
	}
}

// liveLocked reports whether a continuation scheduled under epoch may proceed.
func (c *Coordinator) liveLocked(epoch uint64) bool {
	return !c.closed && c.seg != nil && c.epoch == epoch
}

// haltLocked ends the current segment. Pending continuations become stale.
func (c *Coordinator) haltLocked() {
	c.epoch++
	if c.step != nil {
		c.step()
		c.step = nil
	}
	if c.seg != nil {
		c.seg.cancel()
		c.seg = nil
	}
	c.awaiting = false
}

func (c *Coordinator) auditLocked() *logging.AuditLogger {
	if c.seg != nil {
		return logging.AuditWithRun(c.seg.id)
	}
	return logging.Audit()
}

type discard struct{}

func (discard) Publish(e notify.Event) notify.Event { return e }
