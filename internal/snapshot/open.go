package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Open returns a PostgresStore for databaseURL, or a MemoryStore when the URL
// is empty. The returned *sql.DB is nil for the memory store; callers close it.
func Open(ctx context.Context, databaseURL string) (Store, *sql.DB, error) {
	if databaseURL == "" {
		return NewMemoryStore(), nil, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewPostgresStore(db), db, nil
}
