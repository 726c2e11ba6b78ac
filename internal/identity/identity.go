// Package identity holds the authenticated user the session core acts for.
// An Identity is supplied from outside the core and is never mutated by it.
package identity

import (
	"errors"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingUserID and ErrMissingCredential are returned by New.
var (
	ErrMissingUserID     = errors.New("identity: user id is required")
	ErrMissingCredential = errors.New("identity: credential is required")
)

// Identity is the authenticated user's id, display name and credential.
type Identity struct {
	userID      string
	displayName string
	credential  string
}

// New validates and returns an Identity.
func New(userID, displayName, credential string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	credential = strings.TrimSpace(credential)
	if userID == "" {
		return Identity{}, ErrMissingUserID
	}
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = userID
	}
	return Identity{userID: userID, displayName: displayName, credential: credential}, nil
}

func (i Identity) UserID() string      { return i.userID }
func (i Identity) DisplayName() string { return i.displayName }
func (i Identity) Credential() string  { return i.credential }

// IsZero reports whether i was never initialized.
func (i Identity) IsZero() bool { return i.userID == "" }

// Same reports whether both identities are the same user with the same credential.
// A changed credential counts as a different identity.
func (i Identity) Same(o Identity) bool {
	return i.userID == o.userID && i.credential == o.credential
}

// MarshalLogObject implements zapcore.ObjectMarshaler without the credential.
func (i Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("user_id", i.userID)
	enc.AddString("display_name", i.displayName)
	return nil
}

// Field returns a zap field describing i.
func (i Identity) Field() zap.Field {
	return zap.Object("identity", i)
}
