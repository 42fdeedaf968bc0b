package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrCompletedImmutable = errors.New("check request already completed")
	ErrUnsupportedPortal  = errors.New("unsupported listing portal")
	ErrInvalidChannel     = errors.New("invalid verification channel")
	ErrInvalidInput       = errors.New("invalid input")
)
