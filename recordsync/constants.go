// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsync

// Record kinds served by the records endpoint
const (
	KindViolation  = "violation"
	KindAttendance = "attendance"
)

// Query parameters understood by the records endpoint
const (
	ParamKind  = "kind"
	ParamSince = "since"
	ParamLimit = "limit"
)

// Page size caps for full fetches (most recent first)
const (
	MaxPageSize       = 50 // primary listing
	MaxRecentPageSize = 20 // paginated "recent" variants
)

// Route prefixes of the remote API
const (
	PathRecords = "/records/"
	PathAsset   = "/asset/"
	PathHealth  = "/test_connection"
	SuffixAck   = "/acknowledge"
)

// Timestamp layout used by the remote for date_recorded / created_at
const TimestampLayout = "2006-01-02 15:04:05"
