package store

// Stores is the top-level container for all storage backends. Both modes
// provide every store: Postgres in managed mode (safe across instances),
// SQLite in standalone mode (single instance).
type Stores struct {
	Rooms    RoomStore
	Load     LoadCounter
	Guard    ScanGuard
	CloseAll func() error
}

// Close releases the underlying database handles.
func (s *Stores) Close() error {
	if s.CloseAll == nil {
		return nil
	}
	return s.CloseAll()
}

// StoreConfig carries backend selection and connection settings.
type StoreConfig struct {
	PostgresDSN string // managed mode, env-only secret
	SQLitePath  string // standalone mode database file
}
