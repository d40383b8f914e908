package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Finding is a mechanical observation about the element markup.
type Finding struct {
	RuleID  string `json:"ruleId"`
	Message string `json:"message"`
}

var vagueLinkText = map[string]bool{
	"click here": true,
	"here":       true,
	"more":       true,
	"read more":  true,
	"link":       true,
	"this":       true,
}

var knownARIA = map[string]bool{
	"aria-activedescendant": true, "aria-atomic": true, "aria-autocomplete": true,
	"aria-busy": true, "aria-checked": true, "aria-colcount": true, "aria-colindex": true,
	"aria-colspan": true, "aria-controls": true, "aria-current": true, "aria-describedby": true,
	"aria-description": true, "aria-details": true, "aria-disabled": true, "aria-errormessage": true,
	"aria-expanded": true, "aria-flowto": true, "aria-haspopup": true, "aria-hidden": true,
	"aria-invalid": true, "aria-keyshortcuts": true, "aria-label": true, "aria-labelledby": true,
	"aria-level": true, "aria-live": true, "aria-modal": true, "aria-multiline": true,
	"aria-multiselectable": true, "aria-orientation": true, "aria-owns": true, "aria-placeholder": true,
	"aria-posinset": true, "aria-pressed": true, "aria-readonly": true, "aria-relevant": true,
	"aria-required": true, "aria-roledescription": true, "aria-rowcount": true, "aria-rowindex": true,
	"aria-rowspan": true, "aria-selected": true, "aria-setsize": true, "aria-sort": true,
	"aria-valuemax": true, "aria-valuemin": true, "aria-valuenow": true, "aria-valuetext": true,
}

// Precheck parses markup and reports mechanical accessibility problems.
func Precheck(markup string) ([]Finding, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse element html: %w", err)
	}
	var findings []Finding
	lastHeading := 0
	walk(doc, 0, false, &findings, &lastHeading)
	return findings, nil
}

func walk(n *html.Node, depth int, inLabel bool, out *[]Finding, lastHeading *int) {
	if depth > 200 {
		return
	}
	if n.Type == html.ElementNode {
		checkElement(n, inLabel, out, lastHeading)
		if n.Data == "label" {
			inLabel = true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, depth+1, inLabel, out, lastHeading)
	}
}

func checkElement(n *html.Node, inLabel bool, out *[]Finding, lastHeading *int) {
	add := func(rule, format string, args ...interface{}) {
		*out = append(*out, Finding{RuleID: rule, Message: fmt.Sprintf(format, args...)})
	}

	for _, a := range n.Attr {
		if strings.HasPrefix(a.Key, "aria-") && !knownARIA[a.Key] {
			add("aria-valid-attr", "<%s> has unknown attribute %s", n.Data, a.Key)
		}
	}
	if v, ok := attr(n, "tabindex"); ok {
		if ti, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ti > 0 {
			add("wcag-2.1.1", "<%s> has positive tabindex %d", n.Data, ti)
		}
	}

	switch n.Data {
	case "img":
		if _, ok := attr(n, "alt"); !ok && !hasLabelAttr(n) {
			add("wcag-1.1.1", "<img> has no alt attribute")
		}
	case "button":
		if accessibleName(n) == "" {
			add("wcag-4.1.2", "<button> has no accessible name")
		}
	case "a":
		if _, ok := attr(n, "href"); !ok {
			break
		}
		name := accessibleName(n)
		if name == "" {
			add("wcag-4.1.2", "<a> has no accessible name")
		} else if vagueLinkText[strings.ToLower(name)] {
			add("wcag-2.4.4", "link text %q does not describe its purpose", name)
		}
	case "input", "select", "textarea":
		typ, _ := attr(n, "type")
		switch strings.ToLower(typ) {
		case "hidden", "submit", "button", "reset", "image":
			return
		}
		if !inLabel && !hasLabelAttr(n) {
			if _, ok := attr(n, "id"); !ok {
				add("wcag-3.3.2", "<%s> has no label", n.Data)
			}
		}
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(n.Data[1] - '0')
		if *lastHeading > 0 && level > *lastHeading+1 {
			add("heading-order", "<%s> follows <h%d>", n.Data, *lastHeading)
		}
		*lastHeading = level
	}
	if role, _ := attr(n, "role"); role == "button" && n.Data != "button" && accessibleName(n) == "" {
		add("wcag-4.1.2", "<%s role=button> has no accessible name", n.Data)
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasLabelAttr(n *html.Node) bool {
	for _, k := range []string{"aria-label", "aria-labelledby", "title"} {
		if v, ok := attr(n, k); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// accessibleName approximates the computed name: label attributes first,
// then text content and the alt text of descendant images.
func accessibleName(n *html.Node) string {
	for _, k := range []string{"aria-label", "title"} {
		if v, ok := attr(n, k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if _, ok := attr(n, "aria-labelledby"); ok {
		return "(labelledby)"
	}
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		case html.ElementNode:
			if c.Data == "img" {
				if alt, ok := attr(c, "alt"); ok {
					sb.WriteString(alt)
					sb.WriteString(" ")
				}
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			collect(k)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collect(c)
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
