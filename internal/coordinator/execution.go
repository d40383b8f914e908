package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/browser"
	"nodevalidator/internal/logging"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"

	"github.com/google/uuid"
)

// beginLocked opens a new run segment.
func (c *Coordinator) beginLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.seg = &segment{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// launchLocked drives item i in a fresh step of the current segment.
// A step already in flight is cancelled and its continuations go stale.
func (c *Coordinator) launchLocked(i int) {
	c.epoch++
	if c.step != nil {
		c.step()
	}
	stepCtx, cancel := context.WithCancel(c.seg.ctx)
	c.step = cancel
	c.awaiting = false

	epoch := c.epoch
	c.wg.Add(1)
	go c.drive(stepCtx, epoch, i)
}

// drive visits items starting at i. In manual mode it stops after the first
// visit and leaves the run awaiting a verdict. In automated mode it classifies
// each item and moves on after the inter-item delay until the run finishes.
func (c *Coordinator) drive(ctx context.Context, epoch uint64, i int) {
	defer c.wg.Done()

	for {
		res, ok := c.visit(ctx, epoch, i)
		if !ok {
			return
		}

		c.mu.Lock()
		if !c.liveLocked(epoch) {
			c.mu.Unlock()
			return
		}
		if c.state.Mode != types.ModeAutomated {
			c.awaiting = true
			c.mu.Unlock()
			logging.CoordinatorDebug("Item %d awaiting verdict", i)
			return
		}
		last := c.classifyLocked(i, res.Found)
		delay := c.timings.InterItem
		if last {
			delay = c.timings.Finish
		}
		c.mu.Unlock()

		if !sleep(ctx, delay) {
			return
		}

		c.mu.Lock()
		if !c.liveLocked(epoch) {
			c.mu.Unlock()
			return
		}
		if last {
			c.finishLocked("automated run reached the last item")
			c.mu.Unlock()
			return
		}
		i++
		c.state.CurrentIndex = i
		c.persistLocked("advance", store.Patch{CurrentIndex: store.Int(i)})
		c.mu.Unlock()
	}
}

// visit navigates to item i (unless the tab already shows its URL), waits for
// the page to settle and locates the target. ok is false when the step went
// stale or was cancelled.
func (c *Coordinator) visit(ctx context.Context, epoch uint64, i int) (agent.LocateResult, bool) {
	c.mu.Lock()
	if !c.liveLocked(epoch) || i >= len(c.state.Items) {
		c.mu.Unlock()
		return agent.LocateResult{}, false
	}
	item := c.state.Items[i]
	sameURL := c.state.LastNavigatedURL == item.URL
	settle := c.timings.Settle
	audit := c.auditLocked()
	c.mu.Unlock()

	if sameURL {
		logging.CoordinatorDebug("Item %d reuses loaded page %s", i, item.URL)
	} else {
		start := time.Now()
		err := c.navigate(ctx, epoch, item.URL)
		audit.Navigate(i, item.URL, time.Since(start).Milliseconds(), err)
		if ctx.Err() != nil {
			return agent.LocateResult{}, false
		}
		if err != nil {
			logging.Get(logging.CategoryCoordinator).Warn("Navigate item %d to %s failed: %v", i, item.URL, err)
		}
		if !sleep(ctx, settle) {
			return agent.LocateResult{}, false
		}
	}

	if !c.live(epoch) {
		return agent.LocateResult{}, false
	}
	res := c.highlight(ctx, epoch, i, item)
	if ctx.Err() != nil {
		return agent.LocateResult{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(epoch) {
		return agent.LocateResult{}, false
	}
	c.lastLocate = &LocateRecord{Index: i, URL: item.URL, Selector: item.TargetNode, Result: res, At: time.Now()}
	c.notifier.Publish(notify.New(notify.KindElementLocated, notify.ElementLocated{
		Index:    i,
		Found:    res.Found,
		Count:    res.Count,
		Selector: item.TargetNode,
		Message:  res.Message,
	}))
	audit.Locate(i, item.TargetNode, res.Found, res.Count)
	return res, true
}

// highlight asks the page agent to locate and mark item's target.
// A missing agent is injected once and the request retried once; any other
// failure, and a second failure, count as not found.
func (c *Coordinator) highlight(ctx context.Context, epoch uint64, i int, item types.Item) agent.LocateResult {
	notFound := agent.LocateResult{Index: i, Message: "Element not found"}

	tab, err := c.tabFor(ctx, epoch)
	if err != nil {
		notFound.Message = err.Error()
		return notFound
	}

	res, err := c.agent.LocateAndMark(ctx, tab, item.TargetNode, i)
	if errors.Is(err, browser.ErrTabClosed) {
		logging.Get(logging.CategoryCoordinator).Warn("Tab %s closed during locate, reopening item %d", tab, i)
		if tab, err = c.reopen(ctx, epoch, item.URL); err == nil {
			res, err = c.agent.LocateAndMark(ctx, tab, item.TargetNode, i)
		}
	}
	if errors.Is(err, agent.ErrNotInstalled) {
		logging.Coordinator("Page agent missing in tab %s, injecting and retrying", tab)
		if ierr := c.agent.Inject(ctx, tab); ierr != nil {
			logging.Get(logging.CategoryCoordinator).Warn("Inject into tab %s failed: %v", tab, ierr)
		}
		if !sleep(ctx, c.Timings().Retry) {
			return notFound
		}
		res, err = c.agent.LocateAndMark(ctx, tab, item.TargetNode, i)
	}

	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, agent.ErrReplyTimeout) {
			logging.Get(logging.CategoryCoordinator).Warn("Locate item %d failed, treating as not found: %v", i, err)
		}
		if res.Message != "" {
			notFound.Message = res.Message
		}
		return notFound
	}
	res.Index = i
	return res
}

// navigate loads url in the run's tab, re-querying the foreground tab once
// when the tab has gone away.
func (c *Coordinator) navigate(ctx context.Context, epoch uint64, url string) error {
	tab, err := c.tabFor(ctx, epoch)
	if err != nil {
		return err
	}
	err = c.tabs.Navigate(ctx, tab, url)
	if errors.Is(err, browser.ErrTabClosed) {
		logging.Get(logging.CategoryCoordinator).Warn("Tab %s closed, re-querying foreground tab", tab)
		if tab, err = c.requeryTab(ctx, epoch); err == nil {
			err = c.tabs.Navigate(ctx, tab, url)
		}
	}
	if err != nil {
		return err
	}
	c.markNavigated(epoch, url)
	return nil
}

// reopen moves the run to the current foreground tab and loads url there.
func (c *Coordinator) reopen(ctx context.Context, epoch uint64, url string) (string, error) {
	tab, err := c.requeryTab(ctx, epoch)
	if err != nil {
		return "", err
	}
	if err := c.tabs.Navigate(ctx, tab, url); err != nil {
		return "", err
	}
	c.markNavigated(epoch, url)
	if !sleep(ctx, c.Timings().Settle) {
		return "", ctx.Err()
	}
	return tab, nil
}

func (c *Coordinator) tabFor(ctx context.Context, epoch uint64) (string, error) {
	c.mu.Lock()
	tab := c.state.ActiveTabID
	c.mu.Unlock()
	if tab != "" {
		return tab, nil
	}
	return c.requeryTab(ctx, epoch)
}

func (c *Coordinator) requeryTab(ctx context.Context, epoch uint64) (string, error) {
	tab, err := c.tabs.ActiveTab(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoActiveTab, err)
	}
	c.mu.Lock()
	if c.liveLocked(epoch) {
		c.state.ActiveTabID = tab.ID
		c.state.LastNavigatedURL = ""
	}
	c.mu.Unlock()
	logging.Coordinator("Run moved to tab %s", tab.ID)
	return tab.ID, nil
}

func (c *Coordinator) markNavigated(epoch uint64, url string) {
	c.mu.Lock()
	if c.liveLocked(epoch) {
		c.state.LastNavigatedURL = url
	}
	c.mu.Unlock()
}

func (c *Coordinator) live(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(epoch)
}

// classifyLocked records the automated verdict for item i and reports whether
// it was the last item.
func (c *Coordinator) classifyLocked(i int, found bool) bool {
	status, comment := types.StatusNotValid, CommentAutoNotFound
	if found {
		status, comment = types.StatusTruePositive, CommentAutoFound
	}
	c.state.Items[i].Status = status
	c.state.Items[i].Comments = comment

	last := i == len(c.state.Items)-1
	c.queueVerdictLocked(i, true, last)
	return last
}

// queueVerdictLocked persists the items after a status change on item i and
// confirms it with verdict-recorded once durable, or verdict-failed.
func (c *Coordinator) queueVerdictLocked(i int, automated, last bool) <-chan error {
	item := c.state.Items[i]
	items := types.CloneItems(c.state.Items)
	audit := c.auditLocked()

	return c.enqueueLocked(writeOp{
		label: fmt.Sprintf("verdict %d", i),
		apply: func(ctx context.Context) error {
			err := c.runs.Apply(ctx, store.Patch{Items: items, SetItems: true})
			audit.Verdict(i, item.Status.String(), automated, err)
			return err
		},
		events: []notify.Event{notify.New(notify.KindVerdictRecorded, notify.VerdictRecorded{
			Index:            i,
			Status:           item.Status,
			Comments:         item.Comments,
			Automated:        automated,
			IsLast:           last,
			FilterStartIndex: c.state.FilterStartIndex,
		})},
		onFail: func(err error) []notify.Event {
			return []notify.Event{notify.New(notify.KindVerdictFailed, notify.VerdictFailed{Index: i, Error: err.Error()})}
		},
	})
}

// finishLocked completes the run. Items still Pending are forced to Not Valid
// so nothing is left unclassified, and run-complete is published once the
// write is durable.
func (c *Coordinator) finishLocked(reason string) <-chan error {
	fixed := 0
	for i := range c.state.Items {
		if c.state.Items[i].Status == types.StatusPending {
			c.state.Items[i].Status = types.StatusNotValid
			c.state.Items[i].Comments = CommentAutoFixed
			fixed++
		}
	}
	n := len(c.state.Items)
	c.state.CurrentIndex = n
	c.state.Stopped = false
	items := types.CloneItems(c.state.Items)

	audit := c.auditLocked()
	c.haltLocked()

	if fixed > 0 {
		logging.Get(logging.CategoryCoordinator).Warn("Run finished with %d pending item(s) forced to %s", fixed, types.StatusNotValid)
	}
	logging.Coordinator("Run complete: %s", reason)
	audit.RunEvent(logging.AuditRunComplete, fmt.Sprintf("%s (pending fixed: %d)", reason, fixed))

	return c.enqueueLocked(writeOp{
		label: "finish",
		apply: func(ctx context.Context) error {
			return c.runs.Apply(ctx, store.Patch{
				Items:        items,
				SetItems:     true,
				CurrentIndex: store.Int(n),
				Stopped:      store.Bool(false),
			})
		},
		events: []notify.Event{notify.New(notify.KindRunComplete, notify.RunComplete{PendingItemsWereFixed: fixed > 0})},
	})
}

// clearLocked removes highlights from the run's tab in the background.
func (c *Coordinator) clearLocked() {
	tab := c.state.ActiveTabID
	if tab == "" || c.agent == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.agent.Clear(ctx, tab); err != nil {
			logging.CoordinatorDebug("Clear highlights in tab %s: %v", tab, err)
		}
	}()
}

// sleep waits for d or until ctx ends. It reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
