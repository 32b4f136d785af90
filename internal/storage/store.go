package storage

import (
	"context"
	"log/slog"
	"os"

	"github.com/evalbench-io/evalbench/internal/config"
)

// Store is the PostgreSQL-backed persistence layer shared by the API and the
// worker pool. Methods are grouped by entity across the files of this
// package. All writes go through short-lived statements or transactions; the
// store holds no in-memory state besides the pool.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStore creates a store on top of an existing connection. The connection
// is managed externally via dependency injection; the caller is responsible
// for closing it.
func NewStore(conn *Connection) (*Store, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy and ready to serve
// requests. Used by the /ready and /health endpoints.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}
