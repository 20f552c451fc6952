package types

import "errors"

var (
	// ErrNotFound means the identity has no user record. It never carries
	// side effects; callers report it and stop.
	ErrNotFound = errors.New("user not found")

	// ErrAlreadyInState marks a benign no-op: unban of a non-banned user,
	// ban of an already banned one. Distinct from both success and failure.
	ErrAlreadyInState = errors.New("already in requested state")

	// ErrBanned is returned when a grant or extension is attempted for a
	// banned identity. The ban is sticky until an explicit unban.
	ErrBanned = errors.New("user is banned")

	// ErrExpired rejects operations that need an active subscription, such
	// as provisioning a new peer.
	ErrExpired = errors.New("subscription expired")

	// ErrResourceUnavailable wraps record-store and peer-service failures.
	// Composite operations stop at the first occurrence.
	ErrResourceUnavailable = errors.New("backing resource unavailable")

	// ErrConfigFormat means the peer configuration file does not match the
	// expected block structure; the original file is left untouched.
	ErrConfigFormat = errors.New("malformed peer configuration")
)
