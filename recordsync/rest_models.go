// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recordsync

import (
	"time"
)

// REST/JSON models of the school records API.
// The same structs are decoded by the client and encoded by the reference backend.

// Violation is a violation slip as returned by the remote
type Violation struct {
	ID                   int64  `json:"id"`
	StudentID            string `json:"student_id"`
	StudentName          string `json:"student_name"`
	YearLevel            string `json:"year_level"`
	Course               string `json:"course"`
	Section              string `json:"section"`
	ViolationType        string `json:"violation_type"`
	ViolationDescription string `json:"violation_description"`
	OffenseCount         int    `json:"offense_count"`
	OriginalOffenseCount int    `json:"original_offense_count"`
	Penalty              string `json:"penalty"`
	RecordedBy           string `json:"recorded_by"`
	DateRecorded         string `json:"date_recorded"`
	Acknowledged         int    `json:"acknowledged"` // 0 or 1
	Category             string `json:"category"`
	UpdatedAt            int64  `json:"updated_at,omitempty"` // unix ms, drives delta fetches
}

// IsAcknowledged reports whether the slip was acknowledged by the student
func (v Violation) IsAcknowledged() bool { return v.Acknowledged != 0 }

// Attendance is a single time-in/time-out record
type Attendance struct {
	ID             int64  `json:"id"`
	StudentID      string `json:"student_id"`
	StudentName    string `json:"student_name"`
	StudentNumber  string `json:"student_number"`
	Date           string `json:"date"`
	TimeIn         string `json:"time_in,omitempty"`
	TimeOut        string `json:"time_out,omitempty"`
	Status         string `json:"status"`
	AttendanceType string `json:"attendance_type"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at,omitempty"`
}

// RecordsResponse is the envelope of GET /records/{subject}
type RecordsResponse struct {
	Success    bool         `json:"success"`
	Message    string       `json:"message,omitempty"`
	Violations []Violation  `json:"violations,omitempty"`
	Attendance []Attendance `json:"attendance,omitempty"`
	ServerTime int64        `json:"server_time,omitempty"` // unix ms
}

// AckResponse is the envelope of POST /records/{id}/acknowledge
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	ID      int64  `json:"id"`
}

// AssetResponse is the JSON form of GET /asset/{subject}
type AssetResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ConnectionTestResponse is returned by the health endpoint
type ConnectionTestResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
