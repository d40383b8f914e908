package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/browser"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FAKES
// =============================================================================

type navigation struct {
	Tab string
	URL string
}

type fakeTabs struct {
	mu          sync.Mutex
	tabs        []string // ActiveTab returns these in order, repeating the last
	activeCalls int
	activeErr   error
	closed      map[string]bool
	navigations []navigation
}

func newFakeTabs(ids ...string) *fakeTabs {
	if len(ids) == 0 {
		ids = []string{"tab-1"}
	}
	return &fakeTabs{tabs: ids, closed: map[string]bool{}}
}

func (f *fakeTabs) ActiveTab(ctx context.Context) (browser.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return browser.Tab{}, f.activeErr
	}
	i := f.activeCalls
	if i >= len(f.tabs) {
		i = len(f.tabs) - 1
	}
	f.activeCalls++
	return browser.Tab{ID: f.tabs[i]}, nil
}

func (f *fakeTabs) Navigate(ctx context.Context, tabID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[tabID] {
		return fmt.Errorf("%w: %s", browser.ErrTabClosed, tabID)
	}
	f.navigations = append(f.navigations, navigation{Tab: tabID, URL: url})
	return nil
}

func (f *fakeTabs) closeTab(id string) {
	f.mu.Lock()
	f.closed[id] = true
	f.mu.Unlock()
}

func (f *fakeTabs) navs() []navigation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]navigation(nil), f.navigations...)
}

type fakeAgent struct {
	mu       sync.Mutex
	missing  map[string]bool // selectors that never resolve
	notReady int             // leading locate calls answered with ErrNotInstalled
	absent   bool            // every locate answers ErrNotInstalled
	locates  []string
	injects  int
	clears   int
}

func newFakeAgent(missing ...string) *fakeAgent {
	f := &fakeAgent{missing: map[string]bool{}}
	for _, s := range missing {
		f.missing[s] = true
	}
	return f
}

func (f *fakeAgent) LocateAndMark(ctx context.Context, tabID, selector string, index int) (agent.LocateResult, error) {
	if err := ctx.Err(); err != nil {
		return agent.LocateResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locates = append(f.locates, selector)
	if f.absent || f.notReady > 0 {
		if f.notReady > 0 {
			f.notReady--
		}
		return agent.LocateResult{Index: index}, agent.ErrNotInstalled
	}
	if f.missing[selector] {
		return agent.LocateResult{Index: index, Message: "Element not found"}, nil
	}
	return agent.LocateResult{Found: true, Count: 1, Index: index, Message: "Found 1 element(s)"}, nil
}

func (f *fakeAgent) Inject(ctx context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injects++
	return nil
}

func (f *fakeAgent) Clear(ctx context.Context, tabID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeAgent) counts() (locates, injects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locates), f.injects
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	c      *Coordinator
	kv     *store.Memory
	tabs   *fakeTabs
	agent  *fakeAgent
	hub    *notify.Hub
	events <-chan notify.Event
}

func fastTimings() Timings {
	return Timings{Settle: time.Millisecond, InterItem: time.Millisecond, Finish: time.Millisecond, Retry: time.Millisecond}
}

func newHarness(t *testing.T, tabs *fakeTabs, ag *fakeAgent) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemory(), tabs, ag)
}

func newHarnessOn(t *testing.T, kv *store.Memory, tabs *fakeTabs, ag *fakeAgent) *harness {
	t.Helper()
	hub := notify.NewHub(512)
	_, events := hub.Subscribe()
	c := New(Config{
		Store:    store.NewRunStore(kv),
		Tabs:     tabs,
		Agent:    ag,
		Notifier: hub,
		Timings:  fastTimings(),
	})
	t.Cleanup(func() {
		require.NoError(t, c.Close())
		hub.Close()
	})
	return &harness{c: c, kv: kv, tabs: tabs, agent: ag, hub: hub, events: events}
}

func items(n int, sameURL bool) []types.Item {
	out := make([]types.Item, n)
	for i := range out {
		url := fmt.Sprintf("https://example.test/page/%d", i)
		if sameURL {
			url = "https://example.test/shared"
		}
		out[i] = types.Item{URL: url, TargetNode: fmt.Sprintf("#node-%d", i)}
	}
	return out
}

func (h *harness) waitPhase(t *testing.T, want types.Phase) types.RunState {
	t.Helper()
	var last Snapshot
	require.Eventually(t, func() bool {
		snap, err := h.c.GetState(context.Background())
		if err != nil {
			return false
		}
		last = snap
		return snap.Phase == want
	}, 2*time.Second, 2*time.Millisecond, "phase never became %s (last %s)", want, last.Phase)
	return last.RunState
}

// next returns the next event of kind k, skipping others.
func (h *harness) next(t *testing.T, k notify.Kind) notify.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-h.events:
			if evt.Type == k {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", k)
			return notify.Event{}
		}
	}
}

// drain returns every event published within d.
func (h *harness) drain(d time.Duration) []notify.Event {
	var out []notify.Event
	timeout := time.After(d)
	for {
		select {
		case evt := <-h.events:
			out = append(out, evt)
		case <-timeout:
			return out
		}
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// TESTS
// =============================================================================

func TestFinishLeavesNoPendingItems(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(3, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)
	require.NoError(t, h.c.RecordVerdict(ctx, 0, types.StatusFalsePositive, "wrong element"))

	for i := 0; i < 2; i++ {
		complete, err := h.c.Advance(ctx)
		require.NoError(t, err)
		require.False(t, complete)
	}
	complete, err := h.c.Advance(ctx)
	require.NoError(t, err)
	require.True(t, complete)

	evt := h.next(t, notify.KindRunComplete)
	var rc notify.RunComplete
	require.NoError(t, evt.Decode(&rc))
	assert.True(t, rc.PendingItemsWereFixed)

	st := h.waitPhase(t, types.PhaseComplete)
	assert.Equal(t, 3, st.CurrentIndex)
	assert.Equal(t, types.StatusFalsePositive, st.Items[0].Status)
	for _, it := range st.Items {
		assert.NotEqual(t, types.StatusPending, it.Status)
	}
	assert.Equal(t, CommentAutoFixed, st.Items[2].Comments)
}

func TestStopResumeKeepsPosition(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(4, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)
	_, err := h.c.Advance(ctx)
	require.NoError(t, err)
	h.waitPhase(t, types.PhaseAwaitingVerdict)

	require.NoError(t, h.c.Stop(ctx))
	st := h.waitPhase(t, types.PhaseStopped)
	require.True(t, st.Stopped)
	require.Equal(t, 1, st.CurrentIndex)

	require.NoError(t, h.c.Resume(ctx, nil))
	st = h.waitPhase(t, types.PhaseAwaitingVerdict)
	assert.Equal(t, 1, st.CurrentIndex)
	assert.False(t, st.Stopped)

	navs := h.tabs.navs()
	require.Len(t, navs, 3)
	assert.Equal(t, "https://example.test/page/1", navs[2].URL, "resume reloads the current item")
}

func TestAutomatedRunClassifiesByFound(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent("#node-1"))
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(3, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: true}))

	h.next(t, notify.KindRunComplete)
	st := h.waitPhase(t, types.PhaseComplete)

	want := []struct {
		status  types.Status
		comment string
	}{
		{types.StatusTruePositive, CommentAutoFound},
		{types.StatusNotValid, CommentAutoNotFound},
		{types.StatusTruePositive, CommentAutoFound},
	}
	for i, w := range want {
		assert.Equal(t, w.status, st.Items[i].Status, "item %d", i)
		assert.Equal(t, w.comment, st.Items[i].Comments, "item %d", i)
	}

	for _, evt := range h.drain(50 * time.Millisecond) {
		assert.NotEqual(t, notify.KindRunComplete, evt.Type, "run-complete fired twice")
	}
}

func TestAutomatedVerdictNotifiesAfterWrite(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(2, false)))
	writesBefore := h.kv.Writes()
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: true}))

	evt := h.next(t, notify.KindVerdictRecorded)
	var vr notify.VerdictRecorded
	require.NoError(t, evt.Decode(&vr))
	assert.Equal(t, 0, vr.Index)
	assert.True(t, vr.Automated)
	assert.False(t, vr.IsLast)
	assert.Greater(t, h.kv.Writes(), writesBefore+1, "verdict write must precede its notification")

	h.next(t, notify.KindRunComplete)
}

func TestSameURLNavigatesOnce(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	ds := []types.Item{
		{URL: "https://a.test/", TargetNode: "#x"},
		{URL: "https://a.test/", TargetNode: "#y"},
	}
	require.NoError(t, h.c.Load(ctx, ds))
	require.NoError(t, h.c.Start(ctx, StartRequest{StartIndex: store.Int(0)}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)
	_, err := h.c.Advance(ctx)
	require.NoError(t, err)
	st := h.waitPhase(t, types.PhaseAwaitingVerdict)
	require.Equal(t, 1, st.CurrentIndex)

	assert.Equal(t, []navigation{{Tab: "tab-1", URL: "https://a.test/"}}, h.tabs.navs())
	locates, _ := h.agent.counts()
	assert.Equal(t, 2, locates)
}

func TestStopSurvivesProcessRestart(t *testing.T) {
	kv := store.NewMemory()
	tabs := newFakeTabs()
	ag := newFakeAgent()

	first := newHarnessOn(t, kv, tabs, ag)
	ctx := ctxT(t)
	require.NoError(t, first.c.Load(ctx, items(5, false)))
	require.NoError(t, first.c.Start(ctx, StartRequest{StartIndex: store.Int(2)}))
	before := first.waitPhase(t, types.PhaseAwaitingVerdict)
	require.NoError(t, first.c.Stop(ctx))
	require.NoError(t, first.c.Close())

	second := newHarnessOn(t, kv, tabs, ag)
	snap, err := second.c.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Stopped)
	assert.Equal(t, before.CurrentIndex, snap.CurrentIndex)
	assert.Equal(t, types.PhaseStopped, snap.Phase)
	assert.Equal(t, types.ModeManual, snap.Mode)
}

func TestRecordVerdictThenAdvance(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(8, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{StartIndex: store.Int(5)}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)

	require.NoError(t, h.c.RecordVerdict(ctx, 5, types.StatusNeedsReview, "check later"))
	evt := h.next(t, notify.KindVerdictRecorded)
	var vr notify.VerdictRecorded
	require.NoError(t, evt.Decode(&vr))
	assert.Equal(t, 5, vr.Index)
	assert.Equal(t, types.StatusNeedsReview, vr.Status)
	assert.False(t, vr.Automated)
	assert.Equal(t, 5, vr.FilterStartIndex)

	st := h.waitPhase(t, types.PhaseAwaitingVerdict)
	assert.Equal(t, 5, st.CurrentIndex, "a verdict never advances")

	complete, err := h.c.Advance(ctx)
	require.NoError(t, err)
	require.False(t, complete)
	st = h.waitPhase(t, types.PhaseAwaitingVerdict)
	assert.Equal(t, 6, st.CurrentIndex)
	assert.Equal(t, types.StatusNeedsReview, st.Items[5].Status)

	navs := h.tabs.navs()
	require.NotEmpty(t, navs)
	assert.Equal(t, "https://example.test/page/6", navs[len(navs)-1].URL)
}

func TestAgentInjectAndRetry(t *testing.T) {
	ag := newFakeAgent()
	ag.notReady = 1
	h := newHarness(t, newFakeTabs(), ag)
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(1, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: true}))
	h.next(t, notify.KindRunComplete)

	st := h.waitPhase(t, types.PhaseComplete)
	assert.Equal(t, types.StatusTruePositive, st.Items[0].Status)
	locates, injects := ag.counts()
	assert.Equal(t, 2, locates)
	assert.Equal(t, 1, injects)
}

func TestAgentSecondFailureIsNotFound(t *testing.T) {
	ag := newFakeAgent()
	ag.absent = true
	h := newHarness(t, newFakeTabs(), ag)
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(1, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: true}))
	h.next(t, notify.KindRunComplete)

	st := h.waitPhase(t, types.PhaseComplete)
	assert.Equal(t, types.StatusNotValid, st.Items[0].Status)
	assert.Equal(t, CommentAutoNotFound, st.Items[0].Comments)
	locates, injects := ag.counts()
	assert.Equal(t, 2, locates, "retried exactly once")
	assert.Equal(t, 1, injects)
}

func TestClosedTabIsRequeried(t *testing.T) {
	tabs := newFakeTabs("tab-1", "tab-2")
	h := newHarness(t, tabs, newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(2, false)))
	tabs.closeTab("tab-1")
	require.NoError(t, h.c.Start(ctx, StartRequest{}))
	st := h.waitPhase(t, types.PhaseAwaitingVerdict)

	assert.Equal(t, "tab-2", st.ActiveTabID)
	assert.Equal(t, []navigation{{Tab: "tab-2", URL: "https://example.test/page/0"}}, tabs.navs())
}

func TestStartWithoutTab(t *testing.T) {
	tabs := newFakeTabs()
	tabs.activeErr = browser.ErrNoActiveTab
	h := newHarness(t, tabs, newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(2, false)))
	err := h.c.Start(ctx, StartRequest{})
	require.ErrorIs(t, err, ErrNoActiveTab)
	assert.Equal(t, "no active tab", ErrNoActiveTab.Error())

	snap, err := h.c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseLoaded, snap.Phase)
}

func TestStopCancelsScheduledAdvance(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	h.c.SetTimings(Timings{Settle: time.Millisecond, InterItem: 150 * time.Millisecond, Finish: time.Millisecond, Retry: time.Millisecond})
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(3, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: true}))
	h.next(t, notify.KindVerdictRecorded)
	require.NoError(t, h.c.Stop(ctx))

	time.Sleep(250 * time.Millisecond)
	snap, err := h.c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseStopped, snap.Phase)
	assert.Equal(t, 0, snap.CurrentIndex)
	assert.Equal(t, types.StatusPending, snap.Items[1].Status)
	locates, _ := h.agent.counts()
	assert.Equal(t, 1, locates)
}

func TestAdvanceErrors(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	_, err := h.c.Advance(ctx)
	require.ErrorIs(t, err, ErrNoItems)

	require.NoError(t, h.c.Load(ctx, items(1, false)))
	_, err = h.c.Advance(ctx)
	require.ErrorIs(t, err, ErrNotRunning)
	assert.Equal(t, "validation stopped", err.Error())

	require.NoError(t, h.c.Start(ctx, StartRequest{}))
	complete, err := h.c.Advance(ctx)
	require.NoError(t, err)
	require.True(t, complete)

	complete, err = h.c.Advance(ctx)
	require.NoError(t, err)
	assert.True(t, complete)

	err = h.c.Start(ctx, StartRequest{})
	assert.ErrorIs(t, err, ErrAlreadyComplete)
	assert.ErrorIs(t, h.c.Resume(ctx, nil), ErrAlreadyComplete)
}

func TestRecordVerdictValidation(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)
	require.NoError(t, h.c.Load(ctx, items(2, false)))

	assert.ErrorIs(t, h.c.RecordVerdict(ctx, 2, types.StatusSkipped, ""), ErrIndexOutOfRange)
	assert.ErrorIs(t, h.c.RecordVerdict(ctx, -1, types.StatusSkipped, ""), ErrIndexOutOfRange)
	assert.ErrorIs(t, h.c.RecordVerdict(ctx, 0, types.Status(42), ""), ErrInvalidStatus)

	require.NoError(t, h.c.RecordVerdict(ctx, 1, types.StatusSkipped, "dup"))
	evt := h.next(t, notify.KindVerdictRecorded)
	var vr notify.VerdictRecorded
	require.NoError(t, evt.Decode(&vr))
	assert.True(t, vr.IsLast)
}

func TestVerdictWriteFailureIsNotified(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)
	require.NoError(t, h.c.Load(ctx, items(2, false)))

	h.kv.SetFailure(errors.New("disk full"))
	require.NoError(t, h.c.RecordVerdict(ctx, 0, types.StatusTruePositive, ""))

	evt := h.next(t, notify.KindVerdictFailed)
	var vf notify.VerdictFailed
	require.NoError(t, evt.Decode(&vf))
	assert.Equal(t, 0, vf.Index)
	assert.Contains(t, vf.Error, "disk full")

	h.kv.SetFailure(nil)
	snap, err := h.c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, snap.Items[0].Status, "cache follows the store after a failed write")
}

func TestResetClearsEverything(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(2, false)))
	require.NoError(t, h.c.Start(ctx, StartRequest{Automated: false, FilterStartIndex: store.Int(0)}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)
	_, err := h.c.ToggleMode(ctx, false)
	require.NoError(t, err)

	require.NoError(t, h.c.Reset(ctx))
	snap, err := h.c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Items)
	assert.Nil(t, snap.InitialFilterStartIndex)
	assert.Equal(t, types.ModeManual, snap.Mode)

	_, ok := h.c.LastLocate()
	assert.False(t, ok)
}

func TestToggleToAutomatedWhileAwaiting(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	require.NoError(t, h.c.Load(ctx, items(2, true)))
	require.NoError(t, h.c.Start(ctx, StartRequest{}))
	h.waitPhase(t, types.PhaseAwaitingVerdict)

	mode, err := h.c.ToggleMode(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAutomated, mode)

	h.next(t, notify.KindRunComplete)
	st := h.waitPhase(t, types.PhaseComplete)
	for _, it := range st.Items {
		assert.Equal(t, types.StatusTruePositive, it.Status)
	}
}

func TestStartIndexBookkeeping(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)
	require.NoError(t, h.c.Load(ctx, items(6, false)))

	require.NoError(t, h.c.Start(ctx, StartRequest{StartIndex: store.Int(2), FilterStartIndex: store.Int(5)}))
	st := h.waitPhase(t, types.PhaseAwaitingVerdict)
	assert.Equal(t, 2, st.CurrentIndex)
	assert.Equal(t, 2, st.FilterStartIndex, "filter start never passes the start index")
	require.NotNil(t, st.InitialFilterStartIndex)
	assert.Equal(t, 2, *st.InitialFilterStartIndex)

	require.NoError(t, h.c.Start(ctx, StartRequest{StartIndex: store.Int(4), FilterStartIndex: store.Int(3)}))
	st = h.waitPhase(t, types.PhaseAwaitingVerdict)
	assert.Equal(t, 4, st.CurrentIndex)
	assert.Equal(t, 3, st.FilterStartIndex)
	assert.Equal(t, 2, *st.InitialFilterStartIndex, "initial filter start is fixed once set")

	rec, ok := h.c.LastLocate()
	require.True(t, ok)
	assert.Equal(t, 4, rec.Index)
	assert.True(t, rec.Result.Found)

	require.NoError(t, h.c.Load(ctx, items(2, false)))
	snap, err := h.c.GetState(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.InitialFilterStartIndex)
	assert.Equal(t, types.PhaseLoaded, snap.Phase)
}

func TestLoadRejectsInvalidItems(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ctx := ctxT(t)

	assert.ErrorIs(t, h.c.Load(ctx, nil), ErrNoItems)
	err := h.c.Load(ctx, []types.Item{{URL: "https://a.test/", TargetNode: ""}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 0")
}

func TestClosedCoordinatorRejectsCommands(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	require.NoError(t, h.c.Close())

	ctx := ctxT(t)
	assert.ErrorIs(t, h.c.Load(ctx, items(1, false)), ErrClosed)
	_, err := h.c.GetState(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.c.Reset(ctx), ErrClosed)
}

func TestHeartbeatAndIdle(t *testing.T) {
	h := newHarness(t, newFakeTabs(), newFakeAgent())
	ts := h.c.Heartbeat()
	assert.WithinDuration(t, time.Now(), ts, time.Second)
	idle, active := h.c.Idle()
	assert.Less(t, idle, time.Second)
	assert.False(t, active)
}
