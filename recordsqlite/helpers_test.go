package recordsqlite

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Bascode-040612V1/recordsync/recordsync"
)

const testSubject = "2023-0001"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testViolation(id int64, subject string, recorded time.Time) recordsync.Violation {
	return recordsync.Violation{
		ID:                   id,
		StudentID:            subject,
		StudentName:          "Juan Dela Cruz",
		YearLevel:            "2nd Year",
		Course:               "BSIT",
		Section:              "A",
		ViolationType:        "Improper Uniform",
		ViolationDescription: "No ID",
		OffenseCount:         1,
		OriginalOffenseCount: 1,
		Penalty:              "Warning",
		RecordedBy:           "guard-1",
		DateRecorded:         recorded.UTC().Format(recordsync.TimestampLayout),
		Category:             "minor",
	}
}

func testAttendance(id int64, subject string, day time.Time) recordsync.Attendance {
	return recordsync.Attendance{
		ID:             id,
		StudentID:      subject,
		StudentName:    "Juan Dela Cruz",
		StudentNumber:  subject,
		Date:           day.UTC().Format("2006-01-02"),
		TimeIn:         day.UTC().Format("15:04:05"),
		Status:         "present",
		AttendanceType: "rfid",
		CreatedAt:      day.UTC().Format(recordsync.TimestampLayout),
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, initializeDatabase(context.Background(), db))
	return NewStore(db, nil)
}

// testEnv is a client wired to an in-memory backend over real HTTP
type testEnv struct {
	clock   *testClock
	backend *recordsync.MemoryBackend
	server  *httptest.Server
	client  *Client
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	clock := newTestClock()
	backend := recordsync.NewMemoryBackend()
	backend.SetClock(clock.Now)
	server := httptest.NewServer(recordsync.NewHandlers(backend, nil).Routes())
	t.Cleanup(server.Close)

	dir := t.TempDir()
	cfg := DefaultConfig(server.URL, testSubject)
	cfg.Now = clock.Now
	cfg.AssetDir = filepath.Join(dir, "assets")
	if mutate != nil {
		mutate(cfg)
	}

	client, err := Open(context.Background(), Options{
		Path:   filepath.Join(dir, "cache.db"),
		Config: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &testEnv{clock: clock, backend: backend, server: server, client: client}
}

// fakeRemote is a scriptable Remote
type fakeRemote struct {
	mu         sync.Mutex
	violations []recordsync.Violation
	attendance []recordsync.Attendance
	fetches    map[string]int
	lastSince  map[string]int64
	lastLimit  map[string]int
	acked      []int64
	ackErr     func(id int64) error
	fetchErr   error

	block   chan struct{} // fetches wait on it (or ctx) when set
	started chan struct{} // receives once per fetch when set

	asset     AssetSource
	assetErr  error
	downloads map[string][]byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		fetches:   make(map[string]int),
		lastSince: make(map[string]int64),
		lastLimit: make(map[string]int),
		downloads: make(map[string][]byte),
		assetErr:  ErrNoAsset,
	}
}

func (f *fakeRemote) wait(ctx context.Context, kind string, since int64, limit int) error {
	f.mu.Lock()
	f.fetches[kind]++
	f.lastSince[kind] = since
	f.lastLimit[kind] = limit
	block, started, fetchErr := f.block, f.started, f.fetchErr
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fetchErr
}

func (f *fakeRemote) FetchViolations(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Violation, error) {
	if err := f.wait(ctx, recordsync.KindViolation, since, limit); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordsync.Violation(nil), f.violations...), nil
}

func (f *fakeRemote) FetchAttendance(ctx context.Context, subject string, since int64, limit int) ([]recordsync.Attendance, error) {
	if err := f.wait(ctx, recordsync.KindAttendance, since, limit); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordsync.Attendance(nil), f.attendance...), nil
}

func (f *fakeRemote) Acknowledge(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		if err := f.ackErr(id); err != nil {
			return err
		}
	}
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeRemote) ResolveAsset(ctx context.Context, subject string) (AssetSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asset, f.assetErr
}

func (f *fakeRemote) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.downloads[rawURL]
	if !ok {
		return nil, "", &RemoteError{StatusCode: 404, Body: "missing"}
	}
	return data, "", nil
}

func (f *fakeRemote) fetchCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[kind]
}

func (f *fakeRemote) ackedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acked...)
}

// newFakeClient opens a client over a fakeRemote
func newFakeClient(t *testing.T, remote *fakeRemote, clock *testClock, mutate func(cfg *Config)) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig("http://records.invalid", testSubject)
	cfg.Now = clock.Now
	cfg.AssetDir = filepath.Join(dir, "assets")
	if mutate != nil {
		mutate(cfg)
	}
	client, err := Open(context.Background(), Options{
		Path:   filepath.Join(dir, "cache.db"),
		Config: cfg,
		Remote: remote,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
