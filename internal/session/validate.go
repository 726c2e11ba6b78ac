package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for session names that cannot be used as a
// directory under ~/.heartline/sessions.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is 1-64 characters of a-z, 0-9, '_' or '-'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 lowercase letters, digits, '_' or '-'", ErrInvalidName, name)
	}
	return nil
}
