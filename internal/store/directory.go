package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Entry is one discoverable match in the directory.
type Entry struct {
	MatchID   string
	ContentID string
	HostID    string
	Capacity  int
	State     string
	CreatedAt time.Time
}

// Filter narrows a directory query. Zero values are ignored except
// NotCompleted, which must be set explicitly.
type Filter struct {
	ContentID    string
	NotCompleted bool
	NewerThan    time.Duration
}

// Directory is the discovery table. Hosts insert and update their own
// entries; joiners query for open sessions.
type Directory struct {
	db *sql.DB
}

// Insert publishes a new match entry.
func (d *Directory) Insert(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO matches (match_id, content_id, host_id, capacity, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MatchID, e.ContentID, e.HostID, e.Capacity, e.State, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert match %s: %w", e.MatchID, err)
	}
	return nil
}

// updatableColumns is the allowlist for Update. The directory mirrors
// session state for discovery; identity fields never change.
var updatableColumns = map[string]bool{
	"state":    true,
	"capacity": true,
}

// Update overwrites the given fields of one entry.
func (d *Directory) Update(ctx context.Context, matchID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	setters := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for col, val := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		setters = append(setters, col+" = ?")
		args = append(args, val)
	}
	args = append(args, matchID)

	res, err := d.db.ExecContext(ctx,
		"UPDATE matches SET "+strings.Join(setters, ", ")+" WHERE match_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update match %s: %w", matchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("match %s not found", matchID)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (d *Directory) Query(ctx context.Context, f Filter) ([]Entry, error) {
	where := []string{"1=1"}
	var args []any
	if f.ContentID != "" {
		where = append(where, "content_id = ?")
		args = append(args, f.ContentID)
	}
	if f.NotCompleted {
		where = append(where, "state != 'completed'")
	}
	if f.NewerThan > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, time.Now().Add(-f.NewerThan).UnixMilli())
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT match_id, content_id, host_id, capacity, state, created_at
		 FROM matches WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		if err := rows.Scan(&e.MatchID, &e.ContentID, &e.HostID, &e.Capacity, &e.State, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan match row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
