package persistence

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/config"
	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/db"
)

// Provide creates the database connection used by the snapshot index
// repository, selecting a driver from cfg.Persistence.Driver.
func Provide(cfg *config.Config, log *logger.Logger) (*sql.DB, func() error, error) {
	driver := cfg.Persistence.Driver
	if driver == "" || driver == "file" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		dbPath := cfg.Persistence.Path
		if dbPath == "" {
			dbPath = "./fleetctl.db"
		}
		dbConn, err := db.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if log != nil {
			log.Info("snapshot index database initialized", zap.String("db_path", dbPath), zap.String("db_driver", driver))
		}
		cleanup := func() error {
			_, _ = dbConn.Exec("PRAGMA optimize")
			return dbConn.Close()
		}
		return dbConn, cleanup, nil
	case "postgres":
		dbConn, err := db.OpenPostgres(cfg.Persistence.DSN(), cfg.Persistence.MaxConns, cfg.Persistence.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		if log != nil {
			log.Info("snapshot index database initialized", zap.String("db_name", cfg.Persistence.DBName), zap.String("db_driver", driver))
		}
		return dbConn, dbConn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported persistence driver: %s", driver)
	}
}
