package agent

// LocateRequest is the locate-and-mark message sent to the page.
type LocateRequest struct {
	Selector       string     `json:"selector"`
	Index          int        `json:"index"`
	Strategies     []Strategy `json:"strategies"`
	HighlightMs    int64      `json:"highlightMs"`
	ReplyTimeoutMs int64      `json:"replyTimeoutMs"`
}

// LocateResult is the page's reply to a locate-and-mark.
type LocateResult struct {
	Found    bool            `json:"found"`
	Count    int             `json:"count"`
	Index    int             `json:"index"`
	Strategy Strategy        `json:"strategy,omitempty"`
	Message  string          `json:"message"`
	Details  *ElementDetails `json:"details,omitempty"`
}

// ElementDetails describes the first matched element.
type ElementDetails struct {
	Tag           string            `json:"tag"`
	HTML          string            `json:"html"`
	ParentHTML    string            `json:"parentHtml"`
	ChildHTML     string            `json:"childHtml"`
	Attributes    map[string]string `json:"attributes"`
	Accessibility []string          `json:"accessibility"`
	CSSProperties map[string]string `json:"cssProperties"`
}

// missingReply is what the call shims return when the script is absent.
type missingReply struct {
	Missing bool `json:"__missing"`
}
