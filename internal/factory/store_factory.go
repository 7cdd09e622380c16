package factory

import (
	"fmt"

	"github.com/mikey/secure-mail-gateway/internal/adapters/store"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"go.uber.org/zap"
)

// StoreFactory creates the message store
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStore creates the message store selected by storage.type
func (f *StoreFactory) CreateStore() (core.MessageStore, error) {
	storageCfg := f.cfg.GetStorage()
	logger := f.logger.Named("store")

	switch storageCfg.Type {
	case "", "memory":
		logger.Info("Using in-memory message store")
		return store.NewMemoryStore(logger), nil
	case "sqlite":
		logger.Info("Using SQLite message store", zap.String("path", storageCfg.SQLitePath))
		return store.NewSQLiteStore(storageCfg.SQLitePath, logger)
	case "mysql":
		logger.Info("Using MySQL message store")
		return store.NewMySQLStore(storageCfg.MySQLDSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageCfg.Type)
	}
}
