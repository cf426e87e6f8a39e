package recordsqlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"offline", ErrOffline, true},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), true},
		{"server error", &RemoteError{StatusCode: 502}, true},
		{"rate limited", &RemoteError{StatusCode: 429}, true},
		{"request timeout", &RemoteError{StatusCode: 408}, true},
		{"bad request", &RemoteError{StatusCode: 400}, false},
		{"not found", &RemoteError{StatusCode: 404}, false},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"malformed", ErrMalformedPayload, false},
		{"local", errors.New("disk I/O error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRemoteErrorMatchesNotFound(t *testing.T) {
	err := fmt.Errorf("ack: %w", &RemoteError{StatusCode: 404, Body: "gone"})
	require.ErrorIs(t, err, ErrNotFound)
	require.Contains(t, err.Error(), "server returned status 404: gone")

	require.NotErrorIs(t, &RemoteError{StatusCode: 500}, ErrNotFound)
}
