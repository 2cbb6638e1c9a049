// Package credential holds the current access credential shared by the
// notification session and the refresh coordinator.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dispatchlink/internal/logger"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

// MemoryStore keeps the credential in process memory only.
type MemoryStore struct {
	mu   sync.RWMutex
	cred types.Credential
}

var _ interfaces.CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the credential and whether one is present.
func (s *MemoryStore) Get() (types.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, !s.cred.IsZero()
}

// Set replaces the credential. Setting a zero credential is the same as Clear.
func (s *MemoryStore) Set(cred types.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}

// Clear removes the credential.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = types.Credential{}
	return nil
}

// PersistentStore is a MemoryStore that writes through to a repository so
// a restarted client can resume with the last credential.
type PersistentStore struct {
	MemoryStore
	repo    interfaces.CredentialRepository
	profile string
	timeout time.Duration
	log     logger.Logger
}

var _ interfaces.CredentialStore = (*PersistentStore)(nil)

// NewPersistentStore loads any credential saved under profile.
func NewPersistentStore(ctx context.Context, repo interfaces.CredentialRepository, profile string, log logger.Logger) (*PersistentStore, error) {
	s := &PersistentStore{
		repo:    repo,
		profile: profile,
		timeout: 5 * time.Second,
		log:     log,
	}

	cred, err := repo.LoadCredential(ctx, profile)
	switch {
	case err == nil:
		s.cred = cred
		log.Infof("Loaded persisted credential for profile %s", profile)
	case errors.Is(err, interfaces.ErrCredentialNotFound):
	default:
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return s, nil
}

// Set stores the credential in memory, then persists it. The in-memory
// value is updated even when persistence fails.
func (s *PersistentStore) Set(cred types.Credential) error {
	if err := s.MemoryStore.Set(cred); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if cred.IsZero() {
		return s.repo.DeleteCredential(ctx, s.profile)
	}
	if err := s.repo.SaveCredential(ctx, s.profile, cred); err != nil {
		s.log.Errorf("Failed to persist credential for profile %s: %v", s.profile, err)
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// Clear removes the credential from memory and from the repository.
func (s *PersistentStore) Clear() error {
	if err := s.MemoryStore.Clear(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.repo.DeleteCredential(ctx, s.profile); err != nil {
		s.log.Errorf("Failed to delete persisted credential for profile %s: %v", s.profile, err)
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
