// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// NetworkState is the reachability reported by the platform
type NetworkState int

const (
	NetworkUnknown NetworkState = iota
	NetworkAvailable
	NetworkUnavailable
)

func (s NetworkState) String() string {
	switch s {
	case NetworkAvailable:
		return "available"
	case NetworkUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// NetworkMonitor holds the current reachability and notifies listeners on change
type NetworkMonitor struct {
	mu        sync.RWMutex
	state     NetworkState
	listeners []func(old, new NetworkState)
}

// NewNetworkMonitor creates a monitor in the Unknown state
func NewNetworkMonitor() *NetworkMonitor {
	return &NetworkMonitor{}
}

// State returns the current reachability
func (m *NetworkMonitor) State() NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Available reports whether the network is known to be reachable
func (m *NetworkMonitor) Available() bool {
	return m.State() == NetworkAvailable
}

// SetAvailable records a platform connectivity signal
func (m *NetworkMonitor) SetAvailable(available bool) {
	next := NetworkUnavailable
	if available {
		next = NetworkAvailable
	}
	m.set(next)
}

// OnChange registers a listener invoked after each state transition.
// Listeners run synchronously on the caller of SetAvailable and must not block.
func (m *NetworkMonitor) OnChange(fn func(old, new NetworkState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *NetworkMonitor) set(next NetworkState) {
	m.mu.Lock()
	old := m.state
	if old == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := append([]func(old, new NetworkState){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, next)
	}
}

// Probe performs an active reachability check against url and updates the state.
// Any 2xx answer counts as reachable.
func (m *NetworkMonitor) Probe(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		m.SetAvailable(false)
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	m.SetAvailable(ok)
	if !ok {
		return &RemoteError{StatusCode: resp.StatusCode}
	}
	return nil
}
