package interfaces

import (
	"context"

	"dispatchlink/pkg/types"
)

// CredentialStore holds the current access credential. It is the one
// piece of state shared by the session and the refresh coordinator.
type CredentialStore interface {
	Get() (types.Credential, bool)
	Set(cred types.Credential) error
	Clear() error
}

// Renewer exchanges the current credential for a new one at the
// credential-issuing endpoint.
type Renewer interface {
	Renew(ctx context.Context, current types.Credential) (types.Credential, error)
}

// SignOutHook is invoked once when a credential can no longer be renewed.
type SignOutHook func(reason error)
