// Package agent drives the script that runs inside the validated tab.
//
// The script (agent.js) is installed into every new document of the tab and
// exposes window.__nodeValidator with two operations: locateAndMark, which
// resolves a selector, outlines every match and reports element details, and
// clear, which removes all highlighting. Client issues those operations over
// an Evaluator and maps a missing script to ErrNotInstalled so the caller can
// inject and retry.
package agent

import (
	"strings"
)

// Strategy is one way of resolving a selector in the page.
type Strategy string

const (
	StrategyCSS    Strategy = "css"
	StrategyScript Strategy = "script"
	StrategyXPath  Strategy = "xpath"
	StrategyID     Strategy = "id"
)

// Plan returns the strategies to try for selector, in order.
// CSS is always tried first. A selector that mentions document. or window.
// is evaluated as script only when allowScript is set.
func Plan(selector string, allowScript bool) []Strategy {
	s := strings.TrimSpace(selector)
	plan := []Strategy{StrategyCSS}
	if allowScript && (strings.Contains(s, "document.") || strings.Contains(s, "window.")) {
		plan = append(plan, StrategyScript)
	}
	if strings.HasPrefix(s, "/") {
		plan = append(plan, StrategyXPath)
	}
	if strings.HasPrefix(s, "#") {
		plan = append(plan, StrategyID)
	}
	return plan
}
