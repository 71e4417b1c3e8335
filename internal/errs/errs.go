// Package errs holds the sentinel errors shared by the collaboration core so transports can map
// failures to acknowledgement reasons without knowing which component produced them.
package errs

import "errors"

var (
	// ErrAuthRejected indicates a missing, invalid, or expired credential, or an unknown user.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrForbidden indicates the access guard denied the identity in a room.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation indicates malformed client input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a referenced room, message, or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistence indicates the storage collaborator failed.
	ErrPersistence = errors.New("persistence failure")
)
