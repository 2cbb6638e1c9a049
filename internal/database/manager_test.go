package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchlink/internal/logger"
	dbconfig "dispatchlink/pkg/database"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestManager_SchemaApplied(t *testing.T) {
	manager := setupTestDB(t)
	assert.NoError(t, dbconfig.NewSchemaValidator(manager.GetDB()).Validate())
	assert.NoError(t, manager.HealthCheck(context.Background()))
}

func TestManager_SaveLoadCredential(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	cred := types.Credential{AccessToken: "tok1", RefreshToken: "ref1", ExpiresAt: expires}

	require.NoError(t, manager.SaveCredential(ctx, "default", cred))

	loaded, err := manager.LoadCredential(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok1", loaded.AccessToken)
	assert.Equal(t, "ref1", loaded.RefreshToken)
	assert.True(t, expires.Equal(loaded.ExpiresAt))

	// Upsert replaces the row
	require.NoError(t, manager.SaveCredential(ctx, "default", types.Credential{AccessToken: "tok2"}))
	loaded, err = manager.LoadCredential(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok2", loaded.AccessToken)
	assert.Empty(t, loaded.RefreshToken)
	assert.True(t, loaded.ExpiresAt.IsZero())
}

func TestManager_LoadMissing(t *testing.T) {
	manager := setupTestDB(t)

	_, err := manager.LoadCredential(context.Background(), "nobody")
	assert.True(t, errors.Is(err, interfaces.ErrCredentialNotFound))
}

func TestManager_DeleteIdempotent(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, manager.SaveCredential(ctx, "default", types.Credential{AccessToken: "tok"}))
	require.NoError(t, manager.DeleteCredential(ctx, "default"))
	require.NoError(t, manager.DeleteCredential(ctx, "default"))

	_, err := manager.LoadCredential(ctx, "default")
	assert.ErrorIs(t, err, interfaces.ErrCredentialNotFound)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profile := "p" + string(rune('a'+i))
			assert.NoError(t, manager.SaveCredential(ctx, profile, types.Credential{AccessToken: profile}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		profile := "p" + string(rune('a'+i))
		cred, err := manager.LoadCredential(ctx, profile)
		require.NoError(t, err)
		assert.Equal(t, profile, cred.AccessToken)
	}
}

func TestManager_ClosedRejectsWrites(t *testing.T) {
	manager := setupTestDB(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.SaveCredential(context.Background(), "default", types.Credential{AccessToken: "tok"})
	assert.ErrorIs(t, err, ErrManagerClosed)
}
