package tenant

import "errors"

var (
	ErrNotAnObject        = errors.New("configuration entry is not an object")
	ErrUnknownGroup       = errors.New("tenant references an unknown group")
	ErrUnreachableProgram = errors.New("tenant has neither filename nor uri")
	ErrInvalidValue       = errors.New("invalid configuration value")
)
