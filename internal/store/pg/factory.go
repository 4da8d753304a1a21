package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Rooms:    NewPGRoomStore(db),
		Load:     NewPGLoadCounter(db),
		Guard:    NewPGScanGuard(db),
		CloseAll: db.Close,
	}, nil
}
