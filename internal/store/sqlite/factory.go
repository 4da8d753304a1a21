package sqlite

import (
	"fmt"

	"github.com/nextlevelbuilder/chatalloc/internal/store"
)

// NewSQLiteStores creates all stores backed by SQLite (standalone mode).
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "chatalloc.db"
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	return &store.Stores{
		Rooms:    NewSQLiteRoomStore(db),
		Load:     NewSQLiteLoadCounter(db),
		Guard:    NewSQLiteScanGuard(db),
		CloseAll: db.Close,
	}, nil
}
