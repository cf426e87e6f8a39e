// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsqlite

import (
	"time"
)

// SyncState is the lifecycle state of the coordinator
type SyncState int

const (
	StateIdle SyncState = iota
	StateSyncing
	StateSuccess
	StateError
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncStatus is the observable outcome of the last cycle
type SyncStatus struct {
	State        SyncState
	Message      string
	LastSyncTime time.Time // zero until the first successful cycle
}

func statusSyncing(prev SyncStatus) SyncStatus {
	return SyncStatus{State: StateSyncing, LastSyncTime: prev.LastSyncTime}
}

func statusSuccess(at time.Time) SyncStatus {
	return SyncStatus{State: StateSuccess, LastSyncTime: at}
}

func statusError(prev SyncStatus, err error) SyncStatus {
	msg := "sync failed"
	if err != nil {
		msg = err.Error()
	}
	return SyncStatus{State: StateError, Message: msg, LastSyncTime: prev.LastSyncTime}
}

// KindResult is the outcome of fetching one record kind during a cycle
type KindResult struct {
	Kind         string
	Skipped      bool // served from fresh cache, no network call
	Delta        bool
	Fetched      int
	Err          error
	LocalFailure bool // Err came from local storage and is not retried automatically
}

// SyncResult describes a completed cycle
type SyncResult struct {
	Subject      string
	Force        bool
	StartedAt    time.Time
	Kinds        []KindResult
	AcksSent     int
	AcksDropped  int
	AcksPending  int
	DrainErr     error
	StoreFailure bool
}

// OK reports whether every kind was synced or served from cache
func (r SyncResult) OK() bool {
	for _, k := range r.Kinds {
		if k.Err != nil {
			return false
		}
	}
	return true
}

// Err returns the first per-kind failure
func (r SyncResult) Err() error {
	for _, k := range r.Kinds {
		if k.Err != nil {
			return k.Err
		}
	}
	return nil
}
