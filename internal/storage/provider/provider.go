// Package provider opens the storage backend selected by configuration.
package provider

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/db"
	"github.com/coderelay/coderelay/internal/storage"
	"github.com/coderelay/coderelay/internal/storage/memory"
	"github.com/coderelay/coderelay/internal/storage/sqlstore"
)

// Open creates the storage.Store for the configured database driver.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (storage.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		store, err := sqlstore.New(writer, reader)
		if err != nil {
			_ = writer.Close()
			_ = reader.Close()
			return nil, err
		}
		log.Info("storage initialized", zap.String("driver", "sqlite"), zap.String("path", cfg.Path))
		return store, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := sqlstore.New(conn, conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		log.Info("storage initialized", zap.String("driver", "postgres"), zap.String("db", cfg.DBName))
		return store, nil

	case "memory":
		log.Info("storage initialized", zap.String("driver", "memory"))
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
