package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SQLiteScanGuard implements store.ScanGuard for standalone mode. The
// expiry check runs in Go under a process-wide mutex; timestamps are
// still persisted so a restart cannot lose an in-flight window.
type SQLiteScanGuard struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteScanGuard(db *sql.DB) *SQLiteScanGuard {
	return &SQLiteScanGuard{db: db}
}

func (g *SQLiteScanGuard) TryAcquire(ctx context.Context, lockID string, window time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	var expiresAt time.Time
	err := g.db.QueryRowContext(ctx,
		`SELECT expires_at FROM scan_locks WHERE lock_id = ?`, lockID,
	).Scan(&expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read scan lock: %w", err)
	}
	if err == nil && expiresAt.After(now) {
		return false, nil
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO scan_locks (lock_id, acquired_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (lock_id) DO UPDATE SET acquired_at = ?, expires_at = ?`,
		lockID, now, now.Add(window), now, now.Add(window),
	)
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	return true, nil
}

func (g *SQLiteScanGuard) Release(ctx context.Context, lockID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.db.ExecContext(ctx, `DELETE FROM scan_locks WHERE lock_id = ?`, lockID); err != nil {
		return fmt.Errorf("release scan lock: %w", err)
	}
	return nil
}
