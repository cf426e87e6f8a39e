// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Store is the durable record cache. Every operation runs in its own
// transaction, so readers never observe a partially applied batch.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write transactions to prevent SQLite locking issues

	subMu sync.Mutex
	subs  map[chan ChangeEvent]struct{}
}

// NewStore wraps an initialized database
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger,
		subs:   make(map[chan ChangeEvent]struct{}),
	}
}

// DB exposes the underlying handle
func (s *Store) DB() *sql.DB { return s.db }

// Subscribe returns a channel receiving change notifications and a cancel func.
// Slow subscribers miss events rather than block writers.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) notify(events ...ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// withWriteTx runs fn in a write transaction and publishes events after commit
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) ([]ChangeEvent, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := fn(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if len(events) > 0 {
		s.notify(events...)
	}
	return nil
}

const recordColumns = `id, subject_key, recorded_at, acknowledged, payload, last_sync_at, is_synced, local_changes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind string, sc rowScanner) (Record, error) {
	var (
		r                                  Record
		recordedAt, lastSync               int64
		acknowledged, isSynced, localChngs int
		payload                            string
	)
	if err := sc.Scan(&r.ID, &r.SubjectKey, &recordedAt, &acknowledged, &payload, &lastSync, &isSynced, &localChngs); err != nil {
		return Record{}, err
	}
	r.Kind = kind
	r.RecordedAt = fromMillis(recordedAt)
	r.Acknowledged = acknowledged != 0
	r.Payload = []byte(payload)
	r.LastSyncTimestamp = fromMillis(lastSync)
	r.IsSynced = isSynced != 0
	r.LocalChanges = localChngs != 0
	return r, nil
}

// Get returns one record, or nil when it is not cached
func (s *Store) Get(ctx context.Context, kind string, id int64) (*Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+table+` WHERE id = ?`, id)
	r, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %d: %w", kind, id, err)
	}
	return &r, nil
}

// GetAll returns all cached records of a subject, most recent first
func (s *Store) GetAll(ctx context.Context, kind, subject string) ([]Record, error) {
	return s.Recent(ctx, kind, subject, 0)
}

// Recent returns up to limit records of a subject, most recent first. limit <= 0 means all.
func (s *Store) Recent(ctx context.Context, kind, subject string, limit int) ([]Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + recordColumns + ` FROM ` + table + ` WHERE subject_key = ? ORDER BY recorded_at DESC, id DESC`
	args := []any{subject}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", kind, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return out, nil
}

// RecentSubjects returns the distinct subjects of the limit most recent records of a kind
func (s *Store) RecentSubjects(ctx context.Context, kind string, limit int) ([]string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_key FROM (
			SELECT subject_key, recorded_at, id FROM `+table+` ORDER BY recorded_at DESC, id DESC LIMIT ?
		) GROUP BY subject_key ORDER BY MAX(recorded_at) DESC`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent subjects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}

// Count returns the number of cached records of a subject
func (s *Store) Count(ctx context.Context, kind, subject string) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE subject_key = ?`, subject).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Upsert inserts or replaces records by id. Rows absent from the batch are
// kept. A row carrying local changes keeps its acknowledged flag and marker.
func (s *Store) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if err := upsertInTx(ctx, tx, records); err != nil {
			return nil, err
		}
		return changeEvents(records), nil
	})
}

// ReplaceForSubject makes the subject's cache mirror records, except rows with
// pending local changes, which survive with their local state
func (s *Store) ReplaceForSubject(ctx context.Context, kind, subject string, records []Record) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE subject_key = ? AND local_changes = 0`, subject); err != nil {
			return nil, fmt.Errorf("failed to clear %s for %s: %w", table, subject, err)
		}
		if err := upsertInTx(ctx, tx, records); err != nil {
			return nil, err
		}
		return []ChangeEvent{{Kind: kind, SubjectKey: subject}}, nil
	})
}

// ClearForSubject drops every cached record, sync timestamp and pending entry of a subject
func (s *Store) ClearForSubject(ctx context.Context, kind, subject string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _sync_pending_ack
			WHERE kind = ? AND record_id IN (SELECT id FROM `+table+` WHERE subject_key = ?)`, kind, subject); err != nil {
			return nil, fmt.Errorf("failed to clear pending acknowledgments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE subject_key = ?`, subject); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_subject_meta WHERE subject_key = ? AND kind = ?`, subject, kind); err != nil {
			return nil, fmt.Errorf("failed to clear sync metadata: %w", err)
		}
		return []ChangeEvent{{Kind: kind, SubjectKey: subject}}, nil
	})
}

func upsertInTx(ctx context.Context, tx *sql.Tx, records []Record) error {
	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()

	for i := range records {
		r := &records[i]
		table, err := tableFor(r.Kind)
		if err != nil {
			return err
		}
		st, ok := stmts[table]
		if !ok {
			st, err = tx.PrepareContext(ctx, `
				INSERT INTO `+table+` (`+recordColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					subject_key   = excluded.subject_key,
					recorded_at   = excluded.recorded_at,
					payload       = excluded.payload,
					last_sync_at  = excluded.last_sync_at,
					acknowledged  = CASE WHEN local_changes = 1 THEN acknowledged ELSE excluded.acknowledged END,
					is_synced     = CASE WHEN local_changes = 1 THEN 0 ELSE excluded.is_synced END,
					local_changes = CASE WHEN local_changes = 1 THEN 1 ELSE excluded.local_changes END`)
			if err != nil {
				return fmt.Errorf("failed to prepare upsert for %s: %w", table, err)
			}
			stmts[table] = st
		}
		if _, err := st.ExecContext(ctx,
			r.ID, r.SubjectKey, toMillis(r.RecordedAt), boolToInt(r.Acknowledged), string(r.Payload),
			toMillis(r.LastSyncTimestamp), boolToInt(r.IsSynced), boolToInt(r.LocalChanges),
		); err != nil {
			return fmt.Errorf("failed to upsert %s %d: %w", r.Kind, r.ID, err)
		}
	}
	return nil
}

func changeEvents(records []Record) []ChangeEvent {
	seen := make(map[ChangeEvent]struct{})
	var out []ChangeEvent
	for _, r := range records {
		ev := ChangeEvent{Kind: r.Kind, SubjectKey: r.SubjectKey}
		if _, ok := seen[ev]; ok {
			continue
		}
		seen[ev] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// MarkMutated flags a violation as acknowledged locally and pending upload
func (s *Store) MarkMutated(ctx context.Context, id int64) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		subject, err := markAcknowledgedInTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return []ChangeEvent{{Kind: recordsync.KindViolation, SubjectKey: subject}}, nil
	})
}

func markAcknowledgedInTx(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
	var subject string
	err := tx.QueryRowContext(ctx, `
		UPDATE violations SET acknowledged = 1, local_changes = 1, is_synced = 0
		WHERE id = ?
		RETURNING subject_key`, id).Scan(&subject)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("violation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark violation %d acknowledged: %w", id, err)
	}
	return subject, nil
}

// MarkSynced clears the mutation marker of a record confirmed by the remote
func (s *Store) MarkSynced(ctx context.Context, kind string, id int64, ts time.Time) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		subject, err := markSyncedInTx(ctx, tx, kind, id, ts)
		if err != nil || subject == "" {
			return nil, err
		}
		return []ChangeEvent{{Kind: kind, SubjectKey: subject}}, nil
	})
}

// markSyncedInTx returns the record's subject, or "" when the row is gone
func markSyncedInTx(ctx context.Context, tx *sql.Tx, kind string, id int64, ts time.Time) (string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	var subject string
	err = tx.QueryRowContext(ctx, `
		UPDATE `+table+` SET local_changes = 0, is_synced = 1, last_sync_at = ?
		WHERE id = ?
		RETURNING subject_key`, toMillis(ts), id).Scan(&subject)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark %s %d synced: %w", kind, id, err)
	}
	return subject, nil
}

// HasUnsynced reports whether any record of the subject is unsynced or locally mutated
func (s *Store) HasUnsynced(ctx context.Context, kind, subject string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+table+` WHERE subject_key = ? AND (is_synced = 0 OR local_changes = 1))`,
		subject).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check unsynced %s: %w", table, err)
	}
	return exists, nil
}

// IsFresh reports whether the subject's cache of kind can be served without a
// network call: synced within ttl of now and holding no unsynced rows
func (s *Store) IsFresh(ctx context.Context, kind, subject string, now time.Time, ttl time.Duration) (bool, error) {
	last, ok, err := s.LastSync(ctx, kind, subject)
	if err != nil || !ok {
		return false, err
	}
	if now.Sub(last) >= ttl {
		return false, nil
	}
	unsynced, err := s.HasUnsynced(ctx, kind, subject)
	if err != nil {
		return false, err
	}
	return !unsynced, nil
}

// LastSync returns the time of the subject's last successful sync of kind
func (s *Store) LastSync(ctx context.Context, kind, subject string) (time.Time, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_at FROM _sync_subject_meta WHERE subject_key = ? AND kind = ?`,
		subject, kind).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if last == 0 {
		return time.Time{}, false, nil
	}
	return fromMillis(last), true, nil
}

// SetLastSync records a successful sync of kind for the subject
func (s *Store) SetLastSync(ctx context.Context, kind, subject string, at time.Time, full bool) error {
	ms := toMillis(at)
	var fullAt, deltaAt int64
	if full {
		fullAt = ms
	} else {
		deltaAt = ms
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_subject_meta (subject_key, kind, last_sync_at, last_full_sync_at, last_delta_sync_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(subject_key, kind) DO UPDATE SET
				last_sync_at       = excluded.last_sync_at,
				last_full_sync_at  = CASE WHEN excluded.last_full_sync_at > 0 THEN excluded.last_full_sync_at ELSE last_full_sync_at END,
				last_delta_sync_at = CASE WHEN excluded.last_delta_sync_at > 0 THEN excluded.last_delta_sync_at ELSE last_delta_sync_at END`,
			subject, kind, ms, fullAt, deltaAt)
		if err != nil {
			return nil, fmt.Errorf("failed to write sync metadata: %w", err)
		}
		return nil, nil
	})
}

// PruneOlderThan deletes records recorded before cutoff that carry no local
// changes. Rows without a usable recorded_at age from their last sync; rows
// with neither timestamp are kept. An empty subject prunes every subject.
func (s *Store) PruneOlderThan(ctx context.Context, kind, subject string, cutoff time.Time) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	query := `DELETE FROM ` + table + `
		WHERE COALESCE(NULLIF(recorded_at, 0), NULLIF(last_sync_at, 0)) < ? AND local_changes = 0`
	args := []any{toMillis(cutoff)}
	if subject != "" {
		query += ` AND subject_key = ?`
		args = append(args, subject)
	}

	var n int64
	err = s.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil, nil
		}
		return []ChangeEvent{{Kind: kind, SubjectKey: subject}}, nil
	})
	return n, err
}
