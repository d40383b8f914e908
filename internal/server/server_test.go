package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodevalidator/internal/agent"
	"nodevalidator/internal/analysis"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/store"
	"nodevalidator/internal/types"
)

type fakeCommands struct {
	mu       sync.Mutex
	state    coordinator.Snapshot
	verdicts []string
	started  []coordinator.StartRequest
	resumed  []*bool
	err      error
	complete bool
	locate   *coordinator.LocateRecord
	idle     time.Duration
	active   bool
}

func (f *fakeCommands) Load(ctx context.Context, items []types.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Items = items
	return f.err
}

func (f *fakeCommands) Start(ctx context.Context, req coordinator.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return f.err
}

func (f *fakeCommands) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCommands) Resume(ctx context.Context, automated *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, automated)
	return f.err
}

func (f *fakeCommands) RecordVerdict(ctx context.Context, index int, status types.Status, comments string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, status.String()+"|"+comments)
	return f.err
}

func (f *fakeCommands) Advance(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete, f.err
}

func (f *fakeCommands) ToggleMode(ctx context.Context, automated bool) (types.Mode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.ModeFor(automated), f.err
}

func (f *fakeCommands) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCommands) GetState(ctx context.Context) (coordinator.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeCommands) Heartbeat() time.Time { return time.UnixMilli(1700000000000) }

func (f *fakeCommands) LastLocate() (coordinator.LocateRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locate == nil {
		return coordinator.LocateRecord{}, false
	}
	return *f.locate, true
}

// with runs fn under the fake's lock so tests can read and mutate it
// while handlers run.
func (f *fakeCommands) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeCommands) Idle() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle, f.active
}

type memReports struct {
	mu   sync.Mutex
	reps map[string]store.Report
}

func (m *memReports) Save(ctx context.Context, rep store.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reps[rep.ID] = rep
	return nil
}

func (m *memReports) List(ctx context.Context) ([]store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Report
	for _, r := range m.reps {
		r.Items = nil
		out = append(out, r)
	}
	return out, nil
}

func (m *memReports) Get(ctx context.Context, id string) (store.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reps[id]
	if !ok {
		return r, store.ErrReportNotFound
	}
	return r, nil
}

func (m *memReports) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reps[id]; !ok {
		return store.ErrReportNotFound
	}
	delete(m.reps, id)
	return nil
}

type staticGenerator string

func (g staticGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return string(g), nil
}

func newTestServer(t *testing.T, cmds *fakeCommands, opts Options) (*httptest.Server, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub(16)
	opts.Commands = cmds
	opts.Hub = hub
	ts := httptest.NewServer(New(opts).Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, hub
}

func post(t *testing.T, url, body string) (int, Reply) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var r Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestCommands(t *testing.T) {
	cmds := &fakeCommands{}
	ts, _ := newTestServer(t, cmds, Options{})

	code, r := post(t, ts.URL+"/api/load", `{"items":[{"url":"https://a","targetNode":"#x"}]}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, r.OK)
	cmds.with(func() {
		require.Len(t, cmds.state.Items, 1)
		assert.Equal(t, types.StatusPending, cmds.state.Items[0].Status)
	})

	code, r = post(t, ts.URL+"/api/start", `{"url":"https://a","targetNode":"#x","automated":true,"startIndex":0}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, r.OK)
	cmds.with(func() {
		require.Len(t, cmds.started, 1)
		assert.True(t, cmds.started[0].Automated)
		require.NotNil(t, cmds.started[0].StartIndex)
	})

	_, r = post(t, ts.URL+"/api/verdict", `{"index":0,"status":"True Positive","comments":"ok"}`)
	assert.True(t, r.OK)
	cmds.with(func() { assert.Equal(t, []string{"True Positive|ok"}, cmds.verdicts) })

	_, r = post(t, ts.URL+"/api/resume", ``)
	assert.True(t, r.OK)
	cmds.with(func() {
		require.Len(t, cmds.resumed, 1)
		assert.Nil(t, cmds.resumed[0])
	})

	_, r = post(t, ts.URL+"/api/mode", `{"automated":true}`)
	assert.True(t, r.OK)
	require.NotNil(t, r.Mode)
	assert.Equal(t, types.ModeAutomated, *r.Mode)

	cmds.with(func() { cmds.complete = true })
	_, r = post(t, ts.URL+"/api/advance", ``)
	assert.True(t, r.OK)
	assert.True(t, r.Complete)

	_, r = post(t, ts.URL+"/api/stop", ``)
	assert.True(t, r.OK)
	_, r = post(t, ts.URL+"/api/reset", ``)
	assert.True(t, r.OK)
}

func TestCommandErrorsAreReplies(t *testing.T) {
	cmds := &fakeCommands{err: coordinator.ErrNoActiveTab}
	ts, _ := newTestServer(t, cmds, Options{})

	code, r := post(t, ts.URL+"/api/start", `{"url":"https://a","targetNode":"#x"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, r.OK)
	assert.Equal(t, "no active tab", r.Error)

	cmds.with(func() { cmds.err = coordinator.ErrNotRunning })
	_, r = post(t, ts.URL+"/api/advance", ``)
	assert.Equal(t, "validation stopped", r.Error)
}

func TestMalformedRequests(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCommands{}, Options{})

	code, _ := post(t, ts.URL+"/api/load", `{"items":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, ts.URL+"/api/verdict", `{"status":"True Positive"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, ts.URL+"/api/mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, r := post(t, ts.URL+"/api/verdict", `{"index":0,"status":"Maybe"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown status")

	resp, err := http.Get(ts.URL + "/api/load")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStateAndHeartbeat(t *testing.T) {
	cmds := &fakeCommands{}
	cmds.state.Items = []types.Item{{URL: "https://a", TargetNode: "#x", Status: types.StatusTruePositive}}
	cmds.state.CurrentIndex = 1
	cmds.state.Phase = types.PhaseComplete
	ts, _ := newTestServer(t, cmds, Options{})

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var raw map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.EqualValues(t, 1, raw["currentIndex"])
	assert.Equal(t, "complete", raw["phase"])
	assert.Equal(t, "manual", raw["mode"])
	items := raw["items"].([]interface{})
	assert.Equal(t, "True Positive", items[0].(map[string]interface{})["status"])

	hb, err := http.Get(ts.URL + "/api/heartbeat")
	require.NoError(t, err)
	defer hb.Body.Close()
	var r Reply
	require.NoError(t, json.NewDecoder(hb.Body).Decode(&r))
	assert.True(t, r.OK)
	assert.Equal(t, int64(1700000000000), r.Timestamp)
}

func TestExport(t *testing.T) {
	cmds := &fakeCommands{}
	cmds.state.Items = []types.Item{
		{URL: "https://a", TargetNode: "#a", Status: types.StatusTruePositive},
		{URL: "https://b", TargetNode: "#b", Status: types.StatusNotValid, Comments: "gone"},
	}
	cmds.state.FilterStartIndex = 1
	ts, _ := newTestServer(t, cmds, Options{})

	resp, err := http.Get(ts.URL + "/api/export?scope=run")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "node-validation-results-")
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "https://a")
	assert.Contains(t, buf.String(), "https://b,#b,Not Valid,gone")

	bad, err := http.Get(ts.URL + "/api/export?scope=weird")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestReports(t *testing.T) {
	cmds := &fakeCommands{}
	cmds.state.Items = []types.Item{
		{URL: "https://a", TargetNode: "#a", Status: types.StatusTruePositive},
		{URL: "https://b", TargetNode: "#b"},
	}
	reps := &memReports{reps: map[string]store.Report{}}
	ts, _ := newTestServer(t, cmds, Options{Reports: reps})

	resp, err := http.Post(ts.URL+"/api/reports", "application/json", strings.NewReader(`{"name":"nightly"}`))
	require.NoError(t, err)
	var saved store.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&saved))
	resp.Body.Close()
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "nightly", saved.Name)
	assert.Equal(t, 2, saved.Total)

	get, err := http.Get(ts.URL + "/api/reports/" + saved.ID)
	require.NoError(t, err)
	var full store.Report
	require.NoError(t, json.NewDecoder(get.Body).Decode(&full))
	get.Body.Close()
	assert.Len(t, full.Items, 2)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/reports/"+saved.ID, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)

	missing, err := http.Get(ts.URL + "/api/reports/" + saved.ID)
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestReportsUnavailable(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCommands{}, Options{})
	resp, err := http.Get(ts.URL + "/api/reports")
	require.NoError(t, err)
	defer resp.Body.Close()
	var r Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.False(t, r.OK)
}

func TestElementAndAnalyze(t *testing.T) {
	cmds := &fakeCommands{}
	rules, err := analysis.DefaultRules()
	require.NoError(t, err)
	ts, _ := newTestServer(t, cmds, Options{
		Analyzer: analysis.NewAnalyzer(staticGenerator(`{"status":"PASS","summary":"fine"}`), time.Second),
		Rules:    rules,
	})

	resp, err := http.Get(ts.URL + "/api/element")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, r := post(t, ts.URL+"/api/analyze", `{}`)
	assert.False(t, r.OK)

	cmds.with(func() {
		cmds.locate = &coordinator.LocateRecord{
			Index:    0,
			Selector: "#logo",
			Result: agent.LocateResult{Found: true, Count: 1, Details: &agent.ElementDetails{
				Tag: "img", HTML: `<img src="a.png" alt="Logo">`,
			}},
		}
	})

	resp, err = http.Post(ts.URL+"/api/analyze", "application/json", strings.NewReader(`{"ruleId":"wcag-1.1.1"}`))
	require.NoError(t, err)
	var ar AnalyzeReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ar))
	resp.Body.Close()
	assert.True(t, ar.OK)
	assert.Equal(t, "#logo", ar.Selector)
	require.Len(t, ar.Results, 1)
	assert.Equal(t, analysis.VerdictPass, ar.Results[0].Status)

	_, r = post(t, ts.URL+"/api/analyze", `{"ruleId":"nope"}`)
	assert.False(t, r.OK)
	assert.Contains(t, r.Error, "unknown rule")
}

func TestEventsStream(t *testing.T) {
	ts, hub := newTestServer(t, &fakeCommands{}, Options{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(notify.New(notify.KindRunComplete, notify.RunComplete{PendingItemsWereFixed: true}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e notify.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, notify.KindRunComplete, e.Type)
	var rc notify.RunComplete
	require.NoError(t, e.Decode(&rc))
	assert.True(t, rc.PendingItemsWereFixed)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLocalOrigin(t *testing.T) {
	for origin, want := range map[string]bool{
		"":                        true,
		"http://127.0.0.1:7777":   true,
		"http://localhost:3000":   true,
		"chrome-extension://abcd": true,
		"https://evil.example":    false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, localOrigin(r), origin)
	}
}

func TestWatchIdle(t *testing.T) {
	cmds := &fakeCommands{idle: time.Hour, active: true}
	fired := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go WatchIdle(ctx, cmds, 40*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
		t.Fatal("recycled during an active run")
	case <-time.After(100 * time.Millisecond):
	}

	cmds.with(func() { cmds.active = false })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestWatchIdleDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	WatchIdle(ctx, &fakeCommands{idle: time.Hour}, 0, func() { t.Fatal("fired") })
}
