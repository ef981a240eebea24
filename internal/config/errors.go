package config

import (
	"errors"
	"fmt"
)

// Configuration failure kinds. Both are fatal at startup.
var (
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidAddress = errors.New("invalid contract address")
)

// Error reports an invalid configuration field.
type Error struct {
	Kind   error
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("config %s: %v", e.Field, e.Kind)
	}
	return fmt.Sprintf("config %s: %v: %s", e.Field, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Kind }
