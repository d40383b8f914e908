// Package csvio reads validation datasets from CSV and writes results back.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"nodevalidator/internal/types"
)

// ErrNoValidRows is returned when no row carries both a url and a targetNode.
var ErrNoValidRows = errors.New("No valid rows found. Ensure CSV has url and targetNode columns.")

// Header is the column order of exported files.
var Header = []string{"url", "targetNode", "status", "comments"}

// columns maps lower-cased header names to the field they fill.
var columns = map[string]string{
	"url":         "url",
	"targetnode":  "targetNode",
	"target_node": "targetNode",
	"status":      "status",
	"comments":    "comments",
	"notes":       "comments",
}

// Read parses a dataset. Rows missing url or targetNode are skipped.
// A status column is honoured when present; otherwise every item is Pending.
func Read(r io.Reader) ([]types.Item, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoValidRows
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if field, ok := columns[name]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}

	get := func(rec []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var items []types.Item
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		it := types.Item{URL: get(rec, "url"), TargetNode: get(rec, "targetNode"), Comments: get(rec, "comments")}
		if it.URL == "" || it.TargetNode == "" {
			continue
		}
		if raw := get(rec, "status"); raw != "" {
			st, err := types.ParseStatus(raw)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			it.Status = st
		}
		items = append(items, it)
	}

	if len(items) == 0 {
		return nil, ErrNoValidRows
	}
	return items, nil
}

// Write exports items with the url,targetNode,status,comments header.
func Write(w io.Writer, items []types.Item) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}
	for _, it := range items {
		if err := cw.Write([]string{it.URL, it.TargetNode, it.Status.String(), it.Comments}); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Filename returns the export file name for t.
func Filename(t time.Time) string {
	return "node-validation-results-" + t.Format("2006-01-02-15-04-05") + ".csv"
}
