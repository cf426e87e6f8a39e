package recordsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var handlerT0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func seedBackend(t *testing.T) (*MemoryBackend, *time.Time) {
	t.Helper()
	now := handlerT0
	b := NewMemoryBackend()
	b.SetClock(func() time.Time { return now })
	for i := int64(1); i <= 60; i++ {
		b.PutViolation(Violation{
			ID:           i,
			StudentID:    "2023-0001",
			DateRecorded: handlerT0.Add(time.Duration(i) * time.Minute).Format(TimestampLayout),
		})
	}
	b.PutAttendance(Attendance{ID: 1, StudentID: "2023-0001", Date: "2025-03-09", TimeIn: "07:55:00"})
	b.PutAttendance(Attendance{ID: 2, StudentID: "2023-0001", Date: "2025-03-10", TimeIn: "07:58:00"})
	return b, &now
}

func getJSON(t *testing.T, h http.Handler, method, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHandleRecordsFullFetchIsCapped(t *testing.T) {
	b, _ := seedBackend(t)
	h := NewHandlers(b, nil).Routes()

	var resp RecordsResponse
	code := getJSON(t, h, http.MethodGet, "/records/2023-0001?kind=violation&limit=500", &resp)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	require.Len(t, resp.Violations, MaxPageSize)
	require.Equal(t, int64(60), resp.Violations[0].ID, "most recent first")

	resp = RecordsResponse{}
	getJSON(t, h, http.MethodGet, "/records/2023-0001?kind=attendance", &resp)
	require.Len(t, resp.Attendance, 2)
	require.Equal(t, int64(2), resp.Attendance[0].ID)

	require.Equal(t, 2, b.Stats().FullFetches)
}

func TestHandleRecordsDelta(t *testing.T) {
	b, now := seedBackend(t)
	h := NewHandlers(b, nil).Routes()

	*now = handlerT0.Add(time.Hour)
	require.NoError(t, b.Acknowledge(7))

	var resp RecordsResponse
	since := handlerT0.Add(30 * time.Minute).UnixMilli()
	code := getJSON(t, h, http.MethodGet, "/records/2023-0001?since="+itoa(since), &resp)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Violations, 1)
	require.Equal(t, int64(7), resp.Violations[0].ID)
	require.Equal(t, 1, resp.Violations[0].Acknowledged)

	stats := b.Stats()
	require.Equal(t, 1, stats.DeltaFetches)
	require.Equal(t, since, stats.LastSince)
}

func TestHandleRecordsRejectsBadInput(t *testing.T) {
	b, _ := seedBackend(t)
	h := NewHandlers(b, nil).Routes()

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, getJSON(t, h, http.MethodGet, "/records/2023-0001?since=abc", &errResp))
	require.Equal(t, "invalid_request", errResp.Error)
	require.Equal(t, http.StatusBadRequest, getJSON(t, h, http.MethodGet, "/records/2023-0001?limit=0", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, h, http.MethodGet, "/records/2023-0001?kind=grades", nil))
}

func TestHandleAcknowledge(t *testing.T) {
	b, _ := seedBackend(t)
	h := NewHandlers(b, nil).Routes()

	var ack AckResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, http.MethodPost, "/records/42/acknowledge", &ack))
	require.True(t, ack.Success)
	require.Equal(t, int64(42), ack.ID)

	require.Equal(t, http.StatusOK, getJSON(t, h, http.MethodPost, "/records/42/acknowledge", nil), "idempotent")
	v, ok := b.Violation(42)
	require.True(t, ok)
	require.True(t, v.IsAcknowledged())

	var errResp ErrorResponse
	require.Equal(t, http.StatusNotFound, getJSON(t, h, http.MethodPost, "/records/999/acknowledge", &errResp))
	require.Equal(t, "not_found", errResp.Error)
	require.Equal(t, http.StatusBadRequest, getJSON(t, h, http.MethodPost, "/records/x/acknowledge", nil))
}

func TestHandleAcknowledgeRequiresOwnToken(t *testing.T) {
	b, _ := seedBackend(t)
	jwtAuth := NewJWTAuth("test-secret")
	h := jwtAuth.Middleware(NewHandlers(b, nil).Routes())

	token, err := jwtAuth.GenerateToken("2023-0002", "phone-2", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/records/42/acknowledge", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/records/2023-0001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleAsset(t *testing.T) {
	b, _ := seedBackend(t)
	b.PutAsset("2023-0001", Asset{URL: "/uploads/2023-0001.png"})
	b.PutAsset("2023-0002", Asset{Data: []byte("\x89PNG\r\n\x1a\nrest"), ContentType: "image/png"})
	h := NewHandlers(b, nil).Routes()

	var ar AssetResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, http.MethodGet, "/asset/2023-0001", &ar))
	require.Equal(t, "/uploads/2023-0001.png", ar.ImageURL)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/asset/2023-0002", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "\x89PNG\r\n\x1a\nrest", rec.Body.String())

	require.Equal(t, http.StatusNotFound, getJSON(t, h, http.MethodGet, "/asset/2023-0003", nil))
	require.Equal(t, 3, b.Stats().AssetLookups)
}

func TestHandlersUnavailable(t *testing.T) {
	b, _ := seedBackend(t)
	h := NewHandlers(b, nil).Routes()

	var health ConnectionTestResponse
	require.Equal(t, http.StatusOK, getJSON(t, h, http.MethodGet, "/test_connection", &health))
	require.True(t, health.Success)

	b.SetUnavailable(true)
	for _, target := range []string{"/test_connection", "/records/2023-0001", "/asset/2023-0001"} {
		require.Equal(t, http.StatusServiceUnavailable, getJSON(t, h, http.MethodGet, target, nil), target)
	}
	require.Equal(t, http.StatusServiceUnavailable, getJSON(t, h, http.MethodPost, "/records/1/acknowledge", nil))
}

func TestParseTimestampAndAttendanceTime(t *testing.T) {
	require.Equal(t, handlerT0, ParseTimestamp("2025-03-10 08:00:00"))
	require.Equal(t, handlerT0, ParseTimestamp("2025-03-10T08:00:00Z"))
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), ParseTimestamp("2025-03-10"))
	require.True(t, ParseTimestamp("yesterday").IsZero())

	require.Equal(t, handlerT0, AttendanceTime(Attendance{Date: "2025-03-10", TimeIn: "08:00:00"}))
	require.Equal(t, handlerT0, AttendanceTime(Attendance{Date: "2025-03-10", CreatedAt: "2025-03-10 08:00:00"}))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
