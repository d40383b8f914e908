// Package keepalive sends periodic heartbeats to the coordinator host.
//
// A failed heartbeat is logged and followed by one early probe after the
// reconnect delay. The beacon never rebuilds run state: everything needed to
// resume is durable, and the coordinator rehydrates on its next command.
package keepalive

import (
	"context"
	"sync"
	"time"

	"nodevalidator/internal/logging"
)

// Pinger sends one heartbeat and returns the server's timestamp.
type Pinger interface {
	Heartbeat(ctx context.Context) (time.Time, error)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) (time.Time, error)

// Heartbeat calls f.
func (f PingerFunc) Heartbeat(ctx context.Context) (time.Time, error) { return f(ctx) }

// Status describes the beacon's view of the coordinator.
type Status struct {
	Beats       int       `json:"beats"`
	Failures    int       `json:"failures"` // consecutive
	LastSuccess time.Time `json:"lastSuccess"`
	ServerTime  time.Time `json:"serverTime"`
	LastError   string    `json:"lastError,omitempty"`
}

// Healthy reports whether the last heartbeat succeeded.
func (s Status) Healthy() bool {
	return s.Beats > 0 && s.Failures == 0
}

// Beacon runs the heartbeat loop.
type Beacon struct {
	pinger    Pinger
	period    time.Duration
	reconnect time.Duration
	timeout   time.Duration

	mu     sync.Mutex
	status Status
	onFail func(Status)
}

// New creates a beacon. Non-positive durations fall back to 10s and 1s.
func New(p Pinger, period, reconnect time.Duration) *Beacon {
	if period <= 0 {
		period = 10 * time.Second
	}
	if reconnect <= 0 {
		reconnect = time.Second
	}
	timeout := period / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Beacon{pinger: p, period: period, reconnect: reconnect, timeout: timeout}
}

// OnFailure registers fn to run after every failed heartbeat.
func (b *Beacon) OnFailure(fn func(Status)) {
	b.mu.Lock()
	b.onFail = fn
	b.mu.Unlock()
}

// Status returns a copy of the current status.
func (b *Beacon) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Run beats immediately and then every period until ctx ends.
func (b *Beacon) Run(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	var probe <-chan time.Time
	var probeTimer *time.Timer
	defer func() {
		if probeTimer != nil {
			probeTimer.Stop()
		}
	}()

	logging.KeepAlive("Beacon started (period=%s, reconnect=%s)", b.period, b.reconnect)
	if !b.beat(ctx) && probe == nil {
		probeTimer = time.NewTimer(b.reconnect)
		probe = probeTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			logging.KeepAlive("Beacon stopped after %d beat(s)", b.Status().Beats)
			return
		case <-ticker.C:
			if !b.beat(ctx) && probe == nil {
				probeTimer = time.NewTimer(b.reconnect)
				probe = probeTimer.C
			}
		case <-probe:
			probe = nil
			probeTimer = nil
			logging.KeepAlive("Reconnect probe")
			b.beat(ctx)
		}
	}
}

// beat sends one heartbeat and records the outcome.
func (b *Beacon) beat(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ts, err := b.pinger.Heartbeat(callCtx)
	if ctx.Err() != nil {
		return true
	}

	b.mu.Lock()
	if err != nil {
		b.status.Failures++
		b.status.LastError = err.Error()
		st, fn := b.status, b.onFail
		b.mu.Unlock()
		logging.Get(logging.CategoryKeepAlive).Warn("Heartbeat failed (%d in a row): %v", st.Failures, err)
		if fn != nil {
			fn(st)
		}
		return false
	}
	if b.status.Failures > 0 {
		logging.KeepAlive("Heartbeat recovered after %d failure(s)", b.status.Failures)
	}
	b.status.Beats++
	b.status.Failures = 0
	b.status.LastError = ""
	b.status.LastSuccess = time.Now()
	b.status.ServerTime = ts
	b.mu.Unlock()
	return true
}
