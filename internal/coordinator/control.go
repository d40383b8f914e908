package coordinator

import (
	"context"
	"fmt"
	"time"

	"nodevalidator/internal/logging"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

// StartRequest is the Start command payload. URL and TargetNode describe the
// item the caller believes it is starting on; they are advisory.
type StartRequest struct {
	URL              string `json:"url"`
	TargetNode       string `json:"targetNode"`
	Automated        bool   `json:"automated"`
	StartIndex       *int   `json:"startIndex,omitempty"`
	FilterStartIndex *int   `json:"filterStartIndex,omitempty"`
}

// Load replaces the dataset and resets the run position.
func (c *Coordinator) Load(ctx context.Context, items []types.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if c.closed {
		return ErrClosed
	}
	if len(items) == 0 {
		return ErrNoItems
	}
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}

	c.haltLocked()
	c.state = types.RunState{Items: types.CloneItems(items), Mode: c.state.Mode}
	c.lastLocate = nil

	err := await(ctx, c.persistLocked("load", store.Patch{
		Items:                   types.CloneItems(items),
		SetItems:                true,
		CurrentIndex:            store.Int(0),
		FilterStartIndex:        store.Int(0),
		ClearInitialFilterStart: true,
		Stopped:                 store.Bool(false),
	}))
	if err != nil {
		return fmt.Errorf("persist load: %w", err)
	}
	logging.Coordinator("Loaded %d item(s)", len(items))
	logging.Audit().RunEvent(logging.AuditRunLoad, fmt.Sprintf("%d items", len(items)))
	return nil
}

// Start begins a run on the foreground tab. A run already in progress is
// cancelled and replaced.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return err
	}
	n := len(c.state.Items)
	if n == 0 {
		return ErrNoItems
	}

	idx := c.state.CurrentIndex
	if req.StartIndex != nil {
		idx = types.ClampIndex(*req.StartIndex, n)
	}
	if idx >= n {
		return ErrAlreadyComplete
	}
	fsi := idx
	if req.FilterStartIndex != nil {
		fsi = types.ClampIndex(*req.FilterStartIndex, idx)
	}

	item := c.state.Items[idx]
	if (req.URL != "" && req.URL != item.URL) || (req.TargetNode != "" && req.TargetNode != item.TargetNode) {
		logging.Get(logging.CategoryCoordinator).Warn("Start payload (%s, %s) does not match item %d (%s, %s); using the item",
			req.URL, req.TargetNode, idx, item.URL, item.TargetNode)
	}

	tab, err := c.tabs.ActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoActiveTab, err)
	}

	if c.seg != nil {
		logging.Coordinator("Restarting active run %s", c.seg.id)
	}
	c.haltLocked()

	c.state.Mode = types.ModeFor(req.Automated)
	c.state.ActiveTabID = tab.ID
	c.state.LastNavigatedURL = ""
	c.state.CurrentIndex = idx
	c.state.FilterStartIndex = fsi
	c.state.Stopped = false

	patch := store.Patch{
		CurrentIndex:     store.Int(idx),
		FilterStartIndex: store.Int(fsi),
		Stopped:          store.Bool(false),
	}
	if c.state.InitialFilterStartIndex == nil {
		c.state.InitialFilterStartIndex = store.Int(fsi)
		patch.InitialFilterStartIndex = store.Int(fsi)
	}
	if err := await(ctx, c.persistLocked("start", patch)); err != nil {
		return fmt.Errorf("persist start: %w", err)
	}

	c.beginLocked()
	logging.Coordinator("Run %s started at item %d of %d (mode=%s, tab=%s)", c.seg.id, idx, n, c.state.Mode, tab.ID)
	c.auditLocked().RunEvent(logging.AuditRunStart, fmt.Sprintf("index %d, filter start %d, mode %s", idx, fsi, c.state.Mode))
	c.launchLocked(idx)
	return nil
}

// Stop halts the run and keeps its position so it can be resumed.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return err
	}
	audit := c.auditLocked()
	c.haltLocked()
	if len(c.state.Items) == 0 || c.state.Complete() {
		return nil
	}

	c.state.Stopped = true
	err := await(ctx, c.persistLocked("stop", store.Patch{
		CurrentIndex: store.Int(c.state.CurrentIndex),
		Stopped:      store.Bool(true),
	}))
	if err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	c.clearLocked()
	logging.Coordinator("Run stopped at item %d", c.state.CurrentIndex)
	audit.RunEvent(logging.AuditRunStop, fmt.Sprintf("index %d", c.state.CurrentIndex))
	return nil
}

// Resume continues a stopped or loaded run from the durable position.
// A nil automated keeps the current mode.
func (c *Coordinator) Resume(ctx context.Context, automated *bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return err
	}
	n := len(c.state.Items)
	if n == 0 {
		return ErrNoItems
	}
	if c.state.CurrentIndex >= n {
		return ErrAlreadyComplete
	}
	if c.seg != nil {
		return nil
	}
	if automated != nil {
		c.state.Mode = types.ModeFor(*automated)
	}

	tab, err := c.tabs.ActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoActiveTab, err)
	}
	c.state.ActiveTabID = tab.ID
	c.state.LastNavigatedURL = ""
	c.state.FilterStartIndex = types.ClampIndex(c.state.FilterStartIndex, c.state.CurrentIndex)
	c.state.Stopped = false

	err = await(ctx, c.persistLocked("resume", store.Patch{
		FilterStartIndex: store.Int(c.state.FilterStartIndex),
		Stopped:          store.Bool(false),
	}))
	if err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}

	c.beginLocked()
	logging.Coordinator("Run %s resumed at item %d (mode=%s)", c.seg.id, c.state.CurrentIndex, c.state.Mode)
	c.auditLocked().RunEvent(logging.AuditRunResume, fmt.Sprintf("index %d", c.state.CurrentIndex))
	c.launchLocked(c.state.CurrentIndex)
	return nil
}

// RecordVerdict sets the status and comments of item index. It returns as
// soon as the arguments are validated; the write is confirmed later by a
// verdict-recorded or verdict-failed notification. It never advances.
func (c *Coordinator) RecordVerdict(ctx context.Context, index int, status types.Status, comments string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return err
	}
	n := len(c.state.Items)
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, n)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, int(status))
	}

	c.state.Items[index].Status = status
	c.state.Items[index].Comments = comments
	c.queueVerdictLocked(index, false, index == n-1)
	logging.CoordinatorDebug("Verdict for item %d: %s", index, status)
	return nil
}

// Advance moves to the next item. Past the last item the run finishes and
// complete is true.
func (c *Coordinator) Advance(ctx context.Context) (complete bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return false, err
	}
	n := len(c.state.Items)
	if n == 0 {
		return false, ErrNoItems
	}
	if c.state.CurrentIndex >= n {
		return true, nil
	}
	if c.seg == nil {
		return false, ErrNotRunning
	}

	next := c.state.CurrentIndex + 1
	c.state.CurrentIndex = next
	if next >= n {
		if err := await(ctx, c.finishLocked("advanced past the last item")); err != nil {
			return true, fmt.Errorf("persist finish: %w", err)
		}
		return true, nil
	}

	if err := await(ctx, c.persistLocked("advance", store.Patch{CurrentIndex: store.Int(next)})); err != nil {
		return false, fmt.Errorf("persist advance: %w", err)
	}
	c.launchLocked(next)
	return false, nil
}

// ToggleMode switches between manual and automated. A run awaiting a verdict
// that is switched to automated re-evaluates its current item at once.
func (c *Coordinator) ToggleMode(ctx context.Context, automated bool) (types.Mode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return c.state.Mode, err
	}
	c.state.Mode = types.ModeFor(automated)
	c.auditLocked().RunEvent(logging.AuditModeToggle, c.state.Mode.String())
	logging.Coordinator("Mode set to %s", c.state.Mode)

	if automated && c.seg != nil && c.awaiting {
		c.launchLocked(c.state.CurrentIndex)
	}
	return c.state.Mode, nil
}

// Reset clears the dataset and every index.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if c.closed {
		return ErrClosed
	}
	audit := c.auditLocked()
	c.clearLocked()
	c.haltLocked()
	c.state = types.RunState{}
	c.lastLocate = nil

	err := await(ctx, c.enqueueLocked(writeOp{label: "reset", apply: c.runs.Clear}))
	if err != nil {
		return fmt.Errorf("persist reset: %w", err)
	}
	logging.Coordinator("Run state reset")
	audit.RunEvent(logging.AuditRunReset, "")
	return nil
}

// GetState returns the rehydrated run state and its phase.
func (c *Coordinator) GetState(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()

	if err := c.rehydrateLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{RunState: c.state.Clone(), Phase: c.phaseLocked()}
	if c.seg != nil {
		snap.RunID = c.seg.id
	}
	return snap, nil
}
