package interfaces

import (
	"context"

	"dispatchlink/pkg/types"
)

// CredentialRepository persists credentials across process restarts.
type CredentialRepository interface {
	// SaveCredential upserts the credential stored under profile.
	SaveCredential(ctx context.Context, profile string, cred types.Credential) error

	// LoadCredential returns ErrCredentialNotFound when nothing is stored.
	LoadCredential(ctx context.Context, profile string) (types.Credential, error)

	// DeleteCredential is idempotent.
	DeleteCredential(ctx context.Context, profile string) error

	HealthCheck(ctx context.Context) error

	Close() error
}
