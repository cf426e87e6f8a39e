// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsync

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRecordNotFound is returned by the backend for unknown record ids
var ErrRecordNotFound = errors.New("record not found")

// Asset is a profile image known to the backend: either an external URL or an inline blob
type Asset struct {
	URL         string
	Data        []byte
	ContentType string
}

// BackendStats counts requests served by a MemoryBackend
type BackendStats struct {
	FullFetches  int
	DeltaFetches int
	Acks         int
	AssetLookups int
	LastSince    int64
}

// MemoryBackend is an in-memory reference implementation of the records API storage.
// It backs examples/recordserver and the client tests; it is not a production server.
type MemoryBackend struct {
	mu          sync.RWMutex
	violations  map[int64]Violation
	attendance  map[int64]Attendance
	assets      map[string]Asset
	unavailable bool
	stats       BackendStats
	now         func() time.Time
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		violations: make(map[int64]Violation),
		attendance: make(map[int64]Attendance),
		assets:     make(map[string]Asset),
		now:        time.Now,
	}
}

// SetClock overrides the backend clock (used for updated_at stamping)
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetUnavailable makes every handler answer 503 until reset
func (b *MemoryBackend) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = unavailable
}

// Unavailable reports whether the backend simulates an outage
func (b *MemoryBackend) Unavailable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unavailable
}

// PutViolation inserts or replaces a violation and stamps its updated_at
func (b *MemoryBackend) PutViolation(v Violation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v.UpdatedAt = b.now().UnixMilli()
	b.violations[v.ID] = v
}

// PutAttendance inserts or replaces an attendance record and stamps its updated_at
func (b *MemoryBackend) PutAttendance(a Attendance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.UpdatedAt = b.now().UnixMilli()
	b.attendance[a.ID] = a
}

// DeleteViolation removes a violation (simulates an admin deleting a slip)
func (b *MemoryBackend) DeleteViolation(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.violations, id)
}

// Violation returns a stored violation
func (b *MemoryBackend) Violation(id int64) (Violation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.violations[id]
	return v, ok
}

// PutAsset registers a profile image for a student
func (b *MemoryBackend) PutAsset(studentID string, asset Asset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assets[studentID] = asset
}

// Asset returns the image registered for a student
func (b *MemoryBackend) Asset(studentID string) (Asset, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.AssetLookups++
	a, ok := b.assets[studentID]
	return a, ok
}

// Acknowledge marks a violation as acknowledged. Repeated calls are no-ops.
func (b *MemoryBackend) Acknowledge(id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Acks++
	v, ok := b.violations[id]
	if !ok {
		return ErrRecordNotFound
	}
	if v.Acknowledged == 0 {
		v.Acknowledged = 1
		v.UpdatedAt = b.now().UnixMilli()
		b.violations[id] = v
	}
	return nil
}

// ListViolations returns a student's violations, most recent first.
// since > 0 selects records with updated_at >= since; limit > 0 caps the page.
func (b *MemoryBackend) ListViolations(studentID string, since int64, limit int) []Violation {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countFetch(since)

	out := make([]Violation, 0)
	for _, v := range b.violations {
		if v.StudentID != studentID {
			continue
		}
		if since > 0 && v.UpdatedAt < since {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := ParseTimestamp(out[i].DateRecorded), ParseTimestamp(out[j].DateRecorded)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListAttendance returns a student's attendance, most recent first
func (b *MemoryBackend) ListAttendance(studentID string, since int64, limit int) []Attendance {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countFetch(since)

	out := make([]Attendance, 0)
	for _, a := range b.attendance {
		if a.StudentID != studentID {
			continue
		}
		if since > 0 && a.UpdatedAt < since {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := AttendanceTime(out[i]), AttendanceTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *MemoryBackend) countFetch(since int64) {
	if since > 0 {
		b.stats.DeltaFetches++
		b.stats.LastSince = since
	} else {
		b.stats.FullFetches++
	}
}

// Stats returns a snapshot of request counters
func (b *MemoryBackend) Stats() BackendStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// ParseTimestamp parses remote timestamps ("2006-01-02 15:04:05", RFC3339 or a bare date).
// Unparseable values yield the zero time.
func ParseTimestamp(s string) time.Time {
	for _, layout := range []string{TimestampLayout, time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AttendanceTime is the recency key of an attendance record: date + time_in, else created_at
func AttendanceTime(a Attendance) time.Time {
	if a.Date != "" && a.TimeIn != "" {
		if t := ParseTimestamp(a.Date + " " + a.TimeIn); !t.IsZero() {
			return t
		}
	}
	if t := ParseTimestamp(a.CreatedAt); !t.IsZero() {
		return t
	}
	return ParseTimestamp(a.Date)
}
