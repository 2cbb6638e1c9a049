package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dispatchlink/internal/logger"
	dbconfig "dispatchlink/pkg/database"
	"dispatchlink/pkg/interfaces"
	"dispatchlink/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.CredentialRepository on SQLite.
// Writes go through a single writer goroutine; reads run concurrently.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          logger.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	retryDelay   time.Duration
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.CredentialRepository = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, log logger.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log,
		writeChannel: make(chan writeOperation, 16),
		shutdown:     make(chan struct{}),
		retryDelay:   time.Second,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				// Retry exactly once; SQLITE_BUSY is the usual cause.
				m.log.Warnf("Credential write failed, retrying in %v: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.log.Errorf("Credential write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debugf("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveCredential upserts the credential stored under profile
func (m *Manager) SaveCredential(ctx context.Context, profile string, cred types.Credential) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		var expiresAt sql.NullTime
		if !cred.ExpiresAt.IsZero() {
			expiresAt = sql.NullTime{Time: cred.ExpiresAt.UTC(), Valid: true}
		}

		query := `
			INSERT INTO credentials (profile, access_token, refresh_token, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(profile) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
		`
		if _, err := db.ExecContext(ctx, query, profile, cred.AccessToken, cred.RefreshToken, expiresAt, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to save credential: %w", err)
		}
		return nil
	})
}

// LoadCredential returns the credential stored under profile
func (m *Manager) LoadCredential(ctx context.Context, profile string) (types.Credential, error) {
	query := `
		SELECT access_token, refresh_token, expires_at
		FROM credentials
		WHERE profile = ?
	`

	var cred types.Credential
	var expiresAt sql.NullTime

	err := m.db.QueryRowContext(ctx, query, profile).Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Credential{}, interfaces.ErrCredentialNotFound
		}
		return types.Credential{}, fmt.Errorf("failed to query credential: %w", err)
	}

	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}
	return cred, nil
}

// DeleteCredential removes the credential stored under profile
func (m *Manager) DeleteCredential(ctx context.Context, profile string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "DELETE FROM credentials WHERE profile = ?", profile); err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
