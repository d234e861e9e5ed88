package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
)

// openDatabase opens BadgerDB under dataDir, falling back to memory when the
// configured backend is memory or Badger cannot be opened.
func openDatabase(logger log.Logger, dataDir, backend, namespace string) (database.Database, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataDir, nil)

	if backend != "memory" {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = namespace

		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB, positions will not survive a restart", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Info("Using in-memory database")
	return db, nil
}
