// Package common defines shared constants and sentinel errors used across
// the pipeline stages and the orchestrator. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Stream-level errors. None of them is retried within a pass.
	ErrCorruptFrame   = errors.New("corrupt frame")
	ErrCorruptPadding = errors.New("corrupt padding")
	ErrBadMac         = errors.New("bad mac")

	// ErrUnsupportedBackupVersion is returned when the header record declares a
	// format this build does not understand. Re-downloading will not help.
	ErrUnsupportedBackupVersion = errors.New("unsupported backup version")

	// Precondition violations.
	ErrAlreadyRunning      = errors.New("backup operation already running")
	ErrPlaintextNotAllowed = errors.New("plaintext backups are only allowed in tests")

	// ErrAborted is returned when a download was cancelled through its abort signal.
	ErrAborted = errors.New("aborted")

	// Credentials errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrWrongPassphrase means the passphrase does not match the stored verifier.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)
