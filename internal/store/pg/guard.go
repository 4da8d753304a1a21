package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PGScanGuard implements store.ScanGuard on a scan_locks table: an atomic
// insert-or-steal-if-expired. The single statement either returns a row
// (lock acquired for the window) or nothing (someone else holds it).
type PGScanGuard struct {
	db *sql.DB
}

func NewPGScanGuard(db *sql.DB) *PGScanGuard {
	return &PGScanGuard{db: db}
}

func (g *PGScanGuard) TryAcquire(ctx context.Context, lockID string, window time.Duration) (bool, error) {
	var acquired string
	err := g.db.QueryRowContext(ctx,
		`INSERT INTO scan_locks (lock_id, acquired_at, expires_at)
		 VALUES ($1, now(), now() + make_interval(secs => $2))
		 ON CONFLICT (lock_id) DO UPDATE
		     SET acquired_at = now(), expires_at = now() + make_interval(secs => $2)
		     WHERE scan_locks.expires_at <= now()
		 RETURNING lock_id`,
		lockID, window.Seconds(),
	).Scan(&acquired)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire scan lock: %w", err)
	}
	return true, nil
}

func (g *PGScanGuard) Release(ctx context.Context, lockID string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM scan_locks WHERE lock_id = $1`, lockID); err != nil {
		return fmt.Errorf("release scan lock: %w", err)
	}
	return nil
}
