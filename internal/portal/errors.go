package portal

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies login failures
type AuthErrorKind int

const (
	// AuthInvalidCredentials means the portal rejected the username/password.
	// Not retryable; repeated attempts risk locking out the account.
	AuthInvalidCredentials AuthErrorKind = iota
	// AuthPortalUnavailable means the login endpoint could not be reached
	// or returned a server error. Retryable.
	AuthPortalUnavailable
)

// AuthError represents an authentication failure
type AuthError struct {
	Kind       AuthErrorKind
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return e.Message
}

// FetchErrorKind classifies usage download failures
type FetchErrorKind int

const (
	// FetchSessionExpired means the portal bounced us back to the login
	// page. The caller should re-authenticate once and retry.
	FetchSessionExpired FetchErrorKind = iota
	// FetchMalformedResponse means the whole payload was unparseable.
	// Not retryable for this sub-range.
	FetchMalformedResponse
	// FetchPortalUnavailable covers network errors and 5xx responses.
	// Retryable with backoff.
	FetchPortalUnavailable
)

// FetchError represents a usage download failure
type FetchError struct {
	Kind    FetchErrorKind
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsInvalidCredentials reports whether err is a rejected-login AuthError
func IsInvalidCredentials(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == AuthInvalidCredentials
}

// IsSessionExpired reports whether err is a session-expiry FetchError
func IsSessionExpired(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchSessionExpired
}

// IsPortalUnavailable reports whether err is a transient portal failure,
// either during login or during a fetch
func IsPortalUnavailable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind == AuthPortalUnavailable
	}
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchPortalUnavailable
}
