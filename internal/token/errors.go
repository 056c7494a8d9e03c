package token

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownField   = errors.New("unknown field")
	ErrImmutableField = errors.New("immutable field")
)

// RemoteRejection is a reply whose Status was not OK.
type RemoteRejection struct {
	Method  string
	Status  string
	Message string
}

func (e *RemoteRejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: status %q", e.Method, e.Status)
	}
	return fmt.Sprintf("%s rejected: status %q: %s", e.Method, e.Status, e.Message)
}
