package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodevalidator/internal/config"
	"nodevalidator/internal/coordinator"
	"nodevalidator/internal/notify"
	"nodevalidator/internal/types"
)

func TestCommandTree(t *testing.T) {
	want := []string{
		"serve", "load", "start", "stop", "resume", "verdict", "advance",
		"state", "mode", "reset", "ping", "watch", "export", "reports",
		"panel", "analyze", "config",
	}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := rootCmd.Find([]string{"next"})
	require.NoError(t, err)
	assert.Equal(t, "advance", cmd.Name())

	for _, path := range [][]string{{"reports", "save"}, {"reports", "show"}, {"reports", "delete"}, {"analyze", "rules"}, {"config", "init"}, {"config", "show"}, {"config", "validate"}} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[1], cmd.Name())
	}
}

func TestPrintState(t *testing.T) {
	var snap coordinator.Snapshot
	snap.Phase = types.PhaseAwaitingVerdict
	snap.Mode = types.ModeManual
	snap.CurrentIndex = 1
	snap.Items = []types.Item{
		{URL: "https://a.test/", TargetNode: "#a", Status: types.StatusTruePositive},
		{URL: "https://b.test/", TargetNode: "#b"},
	}

	var buf bytes.Buffer
	printState(&buf, snap)
	out := buf.String()

	assert.Contains(t, out, "Phase: awaiting_verdict")
	assert.Contains(t, out, "Item: 2/2")
	assert.Contains(t, out, "Reviewed: 1")
	assert.Contains(t, out, "TP 1")
	assert.Contains(t, out, "Pending 1")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	assert.True(t, strings.HasPrefix(last, ">"), last)
	assert.Contains(t, last, "https://b.test/")
}

func TestPrintState_Empty(t *testing.T) {
	var snap coordinator.Snapshot
	snap.Phase = types.PhaseIdle

	var buf bytes.Buffer
	printState(&buf, snap)
	assert.Contains(t, buf.String(), "Item: 0/0")
	assert.NotContains(t, buf.String(), "STATUS")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "ééé…", truncate("éééééé", 4))
}

func TestDescribeEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	stamp := func(e notify.Event) notify.Event {
		e.Seq = 7
		e.Time = at
		return e
	}

	got := describeEvent(stamp(notify.New(notify.KindVerdictRecorded, notify.VerdictRecorded{
		Index: 2, Status: types.StatusFalsePositive, Comments: "stale", IsLast: true,
	})))
	assert.True(t, strings.HasPrefix(got, "[09:30:00] #7 "), got)
	assert.Contains(t, got, "item 3: False Positive (stale) [last]")

	got = describeEvent(stamp(notify.New(notify.KindVerdictFailed, notify.VerdictFailed{Index: 0, Error: "disk full"})))
	assert.Contains(t, got, "item 1: disk full")

	got = describeEvent(stamp(notify.New(notify.KindRunComplete, notify.RunComplete{PendingItemsWereFixed: true})))
	assert.Contains(t, got, "pending items were marked Not Valid")

	got = describeEvent(stamp(notify.New(notify.KindElementLocated, notify.ElementLocated{Index: 0, Selector: "#x"})))
	assert.Contains(t, got, "item 1: #x not found")

	got = describeEvent(stamp(notify.New(notify.KindElementLocated, notify.ElementLocated{Index: 0, Selector: "#x", Found: true, Count: 3})))
	assert.Contains(t, got, "#x found 3")
}

func TestServeWiring(t *testing.T) {
	c := config.DefaultConfig()
	c.Browser.DebuggerURL = "ws://127.0.0.1:9222/devtools/browser/x"
	c.Browser.NavigationTimeout = "12s"
	c.Run.SettleDelay = "250ms"
	c.Run.InterItemDelay = "1s"
	c.Run.FinishDelay = "0s"

	bc := browserConfig(c)
	assert.Equal(t, c.Browser.DebuggerURL, bc.DebuggerURL)
	assert.Equal(t, 12*time.Second, bc.NavigationTimeout)
	assert.Contains(t, bc.InstallScript, "__nodeValidator")

	tm := timingsFrom(c)
	assert.Equal(t, 250*time.Millisecond, tm.Settle)
	assert.Equal(t, time.Second, tm.InterItem)
	assert.Zero(t, tm.Finish)
	assert.Equal(t, 500*time.Millisecond, tm.Retry)
}

func TestDefaultRulesLoad(t *testing.T) {
	rulesPath = ""
	rules, err := loadRules()
	require.NoError(t, err)
	assert.NotEmpty(t, rules)
}
