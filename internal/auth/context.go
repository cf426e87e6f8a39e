// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	deviceIDKey  contextKey = "device_id"
	studentIDKey contextKey = "student_id"
)

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetStudentID sets the authenticated student in the context
func SetStudentID(ctx context.Context, studentID string) context.Context {
	return context.WithValue(ctx, studentIDKey, studentID)
}

// GetStudentID retrieves the authenticated student from the context
func GetStudentID(ctx context.Context) (string, bool) {
	studentID, ok := ctx.Value(studentIDKey).(string)
	return studentID, ok
}

// SetAuthContext sets both student and device ID in context
func SetAuthContext(ctx context.Context, studentID, deviceID string) context.Context {
	ctx = SetStudentID(ctx, studentID)
	ctx = SetDeviceID(ctx, deviceID)
	return ctx
}
