package authz

import (
	"errors"
	"fmt"
	"strings"
)

// ErrForbidden indicates that the key lacks a required permission.
var ErrForbidden = errors.New("forbidden")

// ForbiddenError describes a failed permission check.
type ForbiddenError struct {
	// Permission is the missing scope. For RequireAny it lists every
	// accepted scope joined with "|".
	Permission string

	// KeyID identifies the key that was checked.
	KeyID string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s: key %s lacks permission %q", ErrForbidden, e.KeyID, e.Permission)
}

// Unwrap returns ErrForbidden so errors.Is matches the sentinel.
func (e *ForbiddenError) Unwrap() error {
	return ErrForbidden
}

func newForbiddenError(keyID string, permissions ...string) *ForbiddenError {
	return &ForbiddenError{
		Permission: strings.Join(permissions, "|"),
		KeyID:      keyID,
	}
}
