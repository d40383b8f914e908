// Package browser owns the Chrome connection and the tab a validation run drives.
// It finds the foreground tab, navigates it, waits for the load event, and
// evaluates the page agent in it over the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nodevalidator/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

var (
	// ErrTabClosed means the tab went away between lookup and use.
	ErrTabClosed = errors.New("tab closed")

	// ErrNoActiveTab means no page target could be found or opened.
	ErrNoActiveTab = errors.New("no active tab")

	errNotConnected = errors.New("browser not connected")
)

// Tab describes a tracked page target.
type Tab struct {
	ID         string    `json:"id"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            bool
	Bin               string
	Flags             []string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	OpenTabIfMissing  bool

	// InstallScript runs in every new document of an attached tab.
	InstallScript string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Launch:            true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		NavigationTimeout: 30 * time.Second,
		OpenTabIfMissing:  true,
	}
}

// GetNavigationTimeout returns the navigation timeout.
func (c Config) GetNavigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

type tabRecord struct {
	meta    Tab
	page    *rod.Page
	removal func() error
}

// TabManager owns the Chrome connection and the tabs it has attached to.
type TabManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	launched   bool
	controlURL string
	tabs       map[string]*tabRecord
}

// NewTabManager creates a tab manager. Nothing connects until Start.
func NewTabManager(cfg Config) *TabManager {
	return &TabManager{
		cfg:  cfg,
		tabs: make(map[string]*tabRecord),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *TabManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// If we already have a browser, verify it's still alive
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Get(logging.CategoryBrowser).Warn("Stale browser connection detected, reconnecting")
		m.browser = nil
		m.controlURL = ""
		m.tabs = make(map[string]*tabRecord)
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" {
		if !m.cfg.Launch {
			return fmt.Errorf("no debugger_url configured and launching is disabled")
		}
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		for _, raw := range m.cfg.Flags {
			name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		launched = true
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = b
	m.launched = launched
	m.controlURL = controlURL
	logging.Browser("Connected to chrome at %s (launched=%v)", controlURL, launched)
	return nil
}

func (m *TabManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *TabManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *TabManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown detaches from every tab. A Chrome this process launched is closed;
// a Chrome it attached to is left running.
func (m *TabManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.tabs {
		if rec.removal != nil {
			_ = rec.removal()
		}
		delete(m.tabs, id)
	}

	var err error
	if m.browser != nil && m.launched {
		err = m.browser.Close()
	}
	m.browser = nil
	m.controlURL = ""
	logging.Browser("Browser shutdown complete")
	return err
}

// Tabs returns metadata for every attached tab.
func (m *TabManager) Tabs() []Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tab, 0, len(m.tabs))
	for _, rec := range m.tabs {
		out = append(out, rec.meta)
	}
	return out
}

// candidate is a page target considered for the foreground tab.
type candidate struct {
	ID      string
	URL     string
	Visible bool
}

// pickForeground returns the first visible ordinary page, then the first
// ordinary page. DevTools and extension pages are never picked.
func pickForeground(cands []candidate) (string, bool) {
	first := ""
	for _, c := range cands {
		if isInternalURL(c.URL) {
			continue
		}
		if c.Visible {
			return c.ID, true
		}
		if first == "" {
			first = c.ID
		}
	}
	return first, first != ""
}

// ActiveTab returns the user's foreground tab, opening one when none exists
// and OpenTabIfMissing is set.
func (m *TabManager) ActiveTab(ctx context.Context) (Tab, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return Tab{}, err
	}
	b := m.currentBrowser()
	if b == nil {
		return Tab{}, errNotConnected
	}

	targets, err := proto.TargetGetTargets{}.Call(b)
	if err != nil {
		return Tab{}, fmt.Errorf("list targets: %w", err)
	}

	var cands []candidate
	for _, ti := range targets.TargetInfos {
		if ti.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		c := candidate{ID: string(ti.TargetID), URL: ti.URL}
		if !isInternalURL(ti.URL) {
			if page, err := m.attach(ctx, c.ID); err == nil {
				c.Visible = isVisible(ctx, page)
			}
		}
		cands = append(cands, c)
	}

	if id, ok := pickForeground(cands); ok {
		return m.tabMeta(id), nil
	}

	if !m.cfg.OpenTabIfMissing {
		return Tab{}, ErrNoActiveTab
	}
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return Tab{}, fmt.Errorf("%w: open tab: %v", ErrNoActiveTab, err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.ViewportWidth,
		Height:            m.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warn("failed to set viewport: %v", err)
	}
	id := string(page.TargetID)
	if _, err := m.attach(ctx, id); err != nil {
		return Tab{}, err
	}
	logging.Browser("Opened new tab %s", id)
	return m.tabMeta(id), nil
}

func isVisible(ctx context.Context, page *rod.Page) bool {
	res, err := page.Context(ctx).Timeout(2 * time.Second).Evaluate(&rod.EvalOptions{
		JS:      `() => document.visibilityState`,
		ByValue: true,
	})
	if err != nil || res == nil {
		return false
	}
	return res.Value.Str() == "visible"
}

func (m *TabManager) currentBrowser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

func (m *TabManager) tabMeta(id string) Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.tabs[id]; ok {
		return rec.meta
	}
	return Tab{ID: id}
}

// attach returns the page for tabID, installing the agent script on first use.
func (m *TabManager) attach(ctx context.Context, tabID string) (*rod.Page, error) {
	m.mu.RLock()
	rec, ok := m.tabs[tabID]
	b := m.browser
	m.mu.RUnlock()
	if ok {
		return rec.page, nil
	}
	if b == nil {
		return nil, errNotConnected
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(tabID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", tabID, err)
	}

	rec = &tabRecord{meta: Tab{ID: tabID, AttachedAt: time.Now()}, page: page}
	if m.cfg.InstallScript != "" {
		remove, err := page.EvalOnNewDocument(m.cfg.InstallScript)
		if err != nil {
			logging.Get(logging.CategoryBrowser).Warn("install script on %s failed: %v", tabID, err)
		} else {
			rec.removal = remove
		}
	}
	if info, err := page.Info(); err == nil {
		rec.meta.URL = info.URL
		rec.meta.Title = info.Title
	}

	m.mu.Lock()
	if existing, ok := m.tabs[tabID]; ok {
		m.mu.Unlock()
		if rec.removal != nil {
			_ = rec.removal()
		}
		return existing.page, nil
	}
	m.tabs[tabID] = rec
	m.mu.Unlock()

	logging.BrowserDebug("Attached to tab %s (%s)", tabID, rec.meta.URL)
	return page, nil
}

// Alive reports whether tabID still exists as a page target.
func (m *TabManager) Alive(ctx context.Context, tabID string) bool {
	b := m.currentBrowser()
	if b == nil {
		return false
	}
	targets, err := proto.TargetGetTargets{}.Call(b.Context(ctx))
	if err != nil {
		return false
	}
	for _, ti := range targets.TargetInfos {
		if string(ti.TargetID) == tabID && ti.Type == proto.TargetTargetInfoTypePage {
			return true
		}
	}
	return false
}

// classify maps a CDP failure on tabID to ErrTabClosed when the tab is gone.
func (m *TabManager) classify(ctx context.Context, tabID string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if !m.Alive(context.Background(), tabID) {
		m.mu.Lock()
		delete(m.tabs, tabID)
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTabClosed, tabID)
	}
	return err
}

// Navigate loads url in tabID and waits for the load event.
func (m *TabManager) Navigate(ctx context.Context, tabID, url string) error {
	if err := m.ensureStarted(ctx); err != nil {
		return err
	}
	page, err := m.attach(ctx, tabID)
	if err != nil {
		return m.classify(ctx, tabID, err)
	}

	timer := logging.StartTimer(logging.CategoryBrowser, "Navigate "+url)
	defer timer.StopWithThreshold(10 * time.Second)

	p := page.Context(ctx).Timeout(m.cfg.GetNavigationTimeout())
	defer p.CancelTimeout()

	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.Navigate(url); err != nil {
		return m.classify(ctx, tabID, fmt.Errorf("navigate %s: %w", url, err))
	}
	wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if rec, ok := m.tabs[tabID]; ok {
		rec.meta.URL = url
	}
	m.mu.Unlock()
	return nil
}

// Eval runs a JavaScript function expression in tabID with args and returns
// the JSON-encoded result. Promises are awaited.
func (m *TabManager) Eval(ctx context.Context, tabID, fn string, args ...interface{}) (json.RawMessage, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	page, err := m.attach(ctx, tabID)
	if err != nil {
		return nil, m.classify(ctx, tabID, err)
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           fn,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, m.classify(ctx, tabID, fmt.Errorf("evaluate: %w", err))
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return raw, nil
}

func isInternalURL(url string) bool {
	internalPrefixes := []string{
		"chrome-extension://",
		"devtools://",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
