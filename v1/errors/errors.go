package errors

import "errors"

var (
	// ErrNotInitialized is returned when the coordinator is missing its
	// tenant or store configuration.
	ErrNotInitialized = errors.New("vvlock: not initialized")
	// ErrPermissionDenied marks backend rejections. The coordinator turns
	// these into degraded-mode results instead of failing the caller.
	ErrPermissionDenied = errors.New("vvlock: permission denied")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)
