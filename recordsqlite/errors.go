// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrOffline is returned when a cycle needs the network and the monitor reports it unavailable
	ErrOffline = errors.New("network unavailable")
	// ErrMalformedPayload wraps decoding failures of remote responses or cached payloads
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNoAsset means the remote has no image for the subject
	ErrNoAsset = errors.New("no asset for subject")
	// ErrInvalidImage means a downloaded payload is not a decodable image
	ErrInvalidImage = errors.New("invalid image payload")
	// ErrNotFound is returned for remote 404 responses on record endpoints
	ErrNotFound = errors.New("not found")
)

// RemoteError is a non-200 answer from the records API
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying the request later may succeed
func (e *RemoteError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsTransient classifies timeouts, connection failures and retryable remote
// statuses as transient. Local storage failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
