package models

import "errors"

// Sentinel errors; wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrAuthorization = errors.New("not authorized")
	ErrConflict      = errors.New("conflict")
)
