package auth

import "errors"

var (
	// ErrSignedOut is returned to every call affected by a failed renewal.
	ErrSignedOut       = errors.New("signed out: credential could not be renewed")
	ErrRenewalRejected = errors.New("renewal rejected")
	ErrEmptyCredential = errors.New("renewal returned no access token")
)
