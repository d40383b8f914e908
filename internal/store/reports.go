package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nodevalidator/internal/types"
)

// ErrReportNotFound is returned when no report has the requested id.
var ErrReportNotFound = errors.New("report not found")

// Report is a saved copy of a run's items with per-status counts.
type Report struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"createdAt"`
	Total     int            `json:"total"`
	Summary   map[string]int `json:"summary"`
	Items     []types.Item   `json:"items,omitempty"`
}

// Reports persists saved reports next to the run state.
type Reports struct {
	db *sql.DB
}

// NewReports uses the database behind s.
func NewReports(s *SQLite) *Reports {
	return &Reports{db: s.DB()}
}

// Save inserts or replaces a report.
func (r *Reports) Save(ctx context.Context, rep Report) error {
	summary, err := json.Marshal(rep.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	items, err := json.Marshal(rep.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports (id, name, created_at, total, summary, items)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.Name, rep.CreatedAt.UnixMilli(), rep.Total, string(summary), string(items))
	if err != nil {
		return fmt.Errorf("save report %s: %w", rep.ID, err)
	}
	return nil
}

// List returns every report, newest first, without item bodies.
func (r *Reports) List(ctx context.Context) ([]Report, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, created_at, total, summary FROM reports ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var rep Report
		var summary string
		var created int64
		if err := rows.Scan(&rep.ID, &rep.Name, &created, &rep.Total, &summary); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rep.CreatedAt = time.UnixMilli(created).UTC()
		if err := json.Unmarshal([]byte(summary), &rep.Summary); err != nil {
			return nil, fmt.Errorf("decode summary of %s: %w", rep.ID, err)
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// Get returns one report including its items.
func (r *Reports) Get(ctx context.Context, id string) (Report, error) {
	var rep Report
	var summary, items string
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, total, summary, items FROM reports WHERE id = ?`, id).
		Scan(&rep.ID, &rep.Name, &created, &rep.Total, &summary, &items)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrReportNotFound
	}
	if err != nil {
		return rep, fmt.Errorf("get report %s: %w", id, err)
	}
	rep.CreatedAt = time.UnixMilli(created).UTC()
	if err := json.Unmarshal([]byte(summary), &rep.Summary); err != nil {
		return rep, fmt.Errorf("decode summary of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(items), &rep.Items); err != nil {
		return rep, fmt.Errorf("decode items of %s: %w", id, err)
	}
	return rep, nil
}

// Delete removes a report.
func (r *Reports) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReportNotFound
	}
	return nil
}
