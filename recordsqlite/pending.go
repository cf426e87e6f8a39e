// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// PendingAck is a queued acknowledgment awaiting remote confirmation
type PendingAck struct {
	RecordID      int64
	Kind          string
	EnqueuedAt    time.Time
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
}

// PendingQueue is the persistent queue of local mutations not yet confirmed by the remote.
// Entries are coalesced per record id.
type PendingQueue struct {
	store *Store
	now   func() time.Time
}

// NewPendingQueue creates a queue sharing the store's database and write lock
func NewPendingQueue(store *Store, now func() time.Time) *PendingQueue {
	if now == nil {
		now = time.Now
	}
	return &PendingQueue{store: store, now: now}
}

// Enqueue adds a violation acknowledgment. Re-enqueueing an id keeps its original position.
func (q *PendingQueue) Enqueue(ctx context.Context, id int64) error {
	return q.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		return nil, q.EnqueueTx(ctx, tx, recordsync.KindViolation, id)
	})
}

// EnqueueTx adds an entry inside the caller's transaction
func (q *PendingQueue) EnqueueTx(ctx context.Context, tx *sql.Tx, kind string, id int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_pending_ack (record_id, kind, enqueued_at, attempts, last_error, last_attempt_at)
		VALUES (?, ?, ?, 0, '', 0)
		ON CONFLICT(record_id) DO NOTHING`, id, kind, toMillis(q.now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue acknowledgment %d: %w", id, err)
	}
	return nil
}

// Pending returns a snapshot of all entries in enqueue order
func (q *PendingQueue) Pending(ctx context.Context) ([]PendingAck, error) {
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT record_id, kind, enqueued_at, attempts, last_error, last_attempt_at
		FROM _sync_pending_ack
		ORDER BY enqueued_at, record_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending acknowledgments: %w", err)
	}
	defer rows.Close()

	var out []PendingAck
	for rows.Next() {
		var p PendingAck
		var enqueued, attempted int64
		if err := rows.Scan(&p.RecordID, &p.Kind, &enqueued, &p.Attempts, &p.LastError, &attempted); err != nil {
			return nil, fmt.Errorf("failed to scan pending acknowledgment: %w", err)
		}
		p.EnqueuedAt = fromMillis(enqueued)
		p.LastAttemptAt = fromMillis(attempted)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending acknowledgments: %w", err)
	}
	return out, nil
}

// Resolve removes a confirmed entry
func (q *PendingQueue) Resolve(ctx context.Context, id int64) error {
	return q.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		return nil, resolveInTx(ctx, tx, id)
	})
}

func resolveInTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_pending_ack WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("failed to resolve acknowledgment %d: %w", id, err)
	}
	return nil
}

// Complete resolves the entry and clears the record's mutation marker atomically.
// The record keeps its local acknowledged state.
func (q *PendingQueue) Complete(ctx context.Context, p PendingAck, syncedAt time.Time) error {
	return q.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		if err := resolveInTx(ctx, tx, p.RecordID); err != nil {
			return nil, err
		}
		subject, err := markSyncedInTx(ctx, tx, p.Kind, p.RecordID, syncedAt)
		if err != nil || subject == "" {
			return nil, err
		}
		return []ChangeEvent{{Kind: p.Kind, SubjectKey: subject}}, nil
	})
}

// RecordFailure bumps the attempt counter and stores the error for diagnostics
func (q *PendingQueue) RecordFailure(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.store.withWriteTx(ctx, func(tx *sql.Tx) ([]ChangeEvent, error) {
		_, err := tx.ExecContext(ctx, `
			UPDATE _sync_pending_ack
			SET attempts = attempts + 1, last_error = ?, last_attempt_at = ?
			WHERE record_id = ?`, msg, toMillis(q.now()), id)
		if err != nil {
			return nil, fmt.Errorf("failed to record acknowledgment failure %d: %w", id, err)
		}
		return nil, nil
	})
}

// Count returns the number of queued entries
func (q *PendingQueue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_pending_ack`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending acknowledgments: %w", err)
	}
	return n, nil
}

// Contains reports whether id is queued
func (q *PendingQueue) Contains(ctx context.Context, id int64) (bool, error) {
	var one int
	err := q.store.db.QueryRowContext(ctx, `SELECT 1 FROM _sync_pending_ack WHERE record_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check pending acknowledgment %d: %w", id, err)
	}
	return true, nil
}
