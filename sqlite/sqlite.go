// Package sqlite persists the offline mirror of channel, message, member,
// reaction and read state in an embedded SQLite database, and reconstructs
// the assembled channel-state object graphs from the flat rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Store provides storage in SQLite. A Store is safe for use from a single
// goroutine; the enclosing application drives it from one event loop.
type Store struct {
	bun *bun.DB
	log *slog.Logger
}

// Connect opens the database at dsn, pings it to ensure the connection is
// working and creates any missing tables.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases on one handle.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	s := &Store{
		bun: db,
		log: logger,
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.bun.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	models := []any{
		(*userRow)(nil),
		(*channelRow)(nil),
		(*messageRow)(nil),
		(*reactionRow)(nil),
		(*memberRow)(nil),
		(*readRow)(nil),
		(*queryRow)(nil),
		(*taskRow)(nil),
		(*syncStatusRow)(nil),
	}
	for _, model := range models {
		if _, err := s.bun.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if _, err := s.bun.NewCreateIndex().
		Model((*messageRow)(nil)).
		Index("idx_messages_cid").
		Column("cid").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	if _, err := s.bun.NewCreateIndex().
		Model((*taskRow)(nil)).
		Index("idx_pending_tasks_created_at").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create task index: %w", err)
	}
	return nil
}
