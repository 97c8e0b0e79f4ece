package service

import "errors"

var (
	ErrInvalidTime      = errors.New("fire time must be in the future")
	ErrInvalidContent   = errors.New("message content is empty")
	ErrInvalidState     = errors.New("message is no longer pending")
	ErrInvalidTenant    = errors.New("tenant id is required")
	ErrInvalidRecipient = errors.New("recipient is required")
	ErrInvalidTimeZone  = errors.New("unknown time zone")
	ErrNotFound         = errors.New("message not found")
)

// IsValidation reports whether err was caused by a rejected request rather
// than by the engine or its collaborators.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrInvalidTenant) ||
		errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrInvalidTimeZone)
}
