// Package journal keeps an append-only SQLite log of finished processes.
//
// The in-memory registry evicts old records; the journal lets operators look
// up what happened to a process after that. It is an audit trail only and is
// never replayed on startup.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/log"
	"github.com/mattjoyce/ductile-worker/internal/process"
)

var ErrNotFound = errors.New("journal entry not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one finished process.
type Entry struct {
	ID          string          `json:"process_reference_id"`
	Kind        string          `json:"kind"`
	Status      process.Status  `json:"status"`
	Message     string          `json:"message,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open opens the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Journal{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("journal"),
	}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a terminal record. A process is journaled at most once;
// later writes for the same id are ignored.
func (j *Journal) Record(ctx context.Context, rec process.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("record %s is not terminal: %s", rec.ID, rec.Status)
	}

	var payload any
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	var createdAt any
	if !rec.CreatedAt.IsZero() {
		createdAt = rec.CreatedAt.UTC().Format(timeLayout)
	}
	completedAt := rec.UpdatedAt
	if completedAt.IsZero() {
		completedAt = j.now()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO process_log(id, kind, status, message, payload, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, rec.ID, rec.Kind, rec.Status, rec.Message, payload, createdAt, completedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert process_log: %w", err)
	}
	return nil
}

// Get returns the entry for id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, kind, status, message, payload, created_at, completed_at
FROM process_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process_log %s: %w", id, err)
	}
	return e, nil
}

// Recent returns up to limit entries, newest first. An empty kind returns
// every domain.
func (j *Journal) Recent(ctx context.Context, kind string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, kind, status, message, payload, created_at, completed_at
FROM process_log
WHERE ? = '' OR kind = ?
ORDER BY completed_at DESC, rowid DESC
LIMIT ?;
`, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query process_log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process_log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries completed before now-retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := j.now().Add(-retention).Format(timeLayout)
	res, err := j.db.ExecContext(ctx, `DELETE FROM process_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune process_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunPruner prunes on every interval until ctx is cancelled.
func (j *Journal) RunPruner(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 || retention <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := j.Prune(ctx, retention)
			if err != nil {
				j.logger.Error("failed to prune journal", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Info("pruned journal", "deleted", n)
			}
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e            Entry
		status       string
		message      sql.NullString
		payload      sql.NullString
		createdAtS   sql.NullString
		completedAtS string
	)
	if err := s.Scan(&e.ID, &e.Kind, &status, &message, &payload, &createdAtS, &completedAtS); err != nil {
		return nil, err
	}
	e.Status = process.Status(status)
	e.Message = message.String
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if createdAtS.Valid {
		if t, err := time.Parse(timeLayout, createdAtS.String); err == nil {
			e.CreatedAt = &t
		}
	}
	if t, err := time.Parse(timeLayout, completedAtS); err == nil {
		e.CompletedAt = t
	}
	return &e, nil
}
