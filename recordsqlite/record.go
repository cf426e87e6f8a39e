// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

// Record is one cached violation or attendance row together with its sync metadata
type Record struct {
	Kind         string // recordsync.KindViolation or recordsync.KindAttendance
	ID           int64  // remote-assigned
	SubjectKey   string // student id
	RecordedAt   time.Time
	Acknowledged bool // violations only
	Payload      json.RawMessage

	LastSyncTimestamp time.Time
	IsSynced          bool
	LocalChanges      bool
}

// Violation decodes the payload. The acknowledged flag comes from the row, so
// a local acknowledgment is visible before the remote confirms it.
func (r Record) Violation() (recordsync.Violation, error) {
	var v recordsync.Violation
	if r.Kind != recordsync.KindViolation {
		return v, fmt.Errorf("%w: record %d is a %s", ErrMalformedPayload, r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return v, fmt.Errorf("%w: violation %d: %v", ErrMalformedPayload, r.ID, err)
	}
	v.Acknowledged = 0
	if r.Acknowledged {
		v.Acknowledged = 1
	}
	return v, nil
}

// Attendance decodes the payload of an attendance record
func (r Record) Attendance() (recordsync.Attendance, error) {
	var a recordsync.Attendance
	if r.Kind != recordsync.KindAttendance {
		return a, fmt.Errorf("%w: record %d is a %s", ErrMalformedPayload, r.ID, r.Kind)
	}
	if err := json.Unmarshal(r.Payload, &a); err != nil {
		return a, fmt.Errorf("%w: attendance %d: %v", ErrMalformedPayload, r.ID, err)
	}
	return a, nil
}

// RecordFromViolation maps a remote violation to a synced record
func RecordFromViolation(v recordsync.Violation, syncedAt time.Time) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal violation %d: %w", v.ID, err)
	}
	return Record{
		Kind:              recordsync.KindViolation,
		ID:                v.ID,
		SubjectKey:        v.StudentID,
		RecordedAt:        recordsync.ParseTimestamp(v.DateRecorded),
		Acknowledged:      v.IsAcknowledged(),
		Payload:           payload,
		LastSyncTimestamp: syncedAt,
		IsSynced:          true,
	}, nil
}

// RecordFromAttendance maps a remote attendance record to a synced record
func RecordFromAttendance(a recordsync.Attendance, syncedAt time.Time) (Record, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal attendance %d: %w", a.ID, err)
	}
	return Record{
		Kind:              recordsync.KindAttendance,
		ID:                a.ID,
		SubjectKey:        a.StudentID,
		RecordedAt:        recordsync.AttendanceTime(a),
		Payload:           payload,
		LastSyncTimestamp: syncedAt,
		IsSynced:          true,
	}, nil
}

// ChangeEvent is emitted after a committed write touching a subject's records
type ChangeEvent struct {
	Kind       string
	SubjectKey string
}

func tableFor(kind string) (string, error) {
	switch kind {
	case recordsync.KindViolation:
		return "violations", nil
	case recordsync.KindAttendance:
		return "attendance", nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
