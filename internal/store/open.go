package store

import (
	"fmt"

	"github.com/nullstream/antigravity-bridge/internal/config"
)

// Open constructs the Store selected by cfg.TokenStoreBackend.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.TokenStoreBackend {
	case config.TokenStoreBackendSQLite:
		return NewSQLiteStore(cfg.TokenStorePath)
	case config.TokenStoreBackendJSON, "":
		return NewJSONStore(cfg.TokenStorePath)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", cfg.TokenStoreBackend)
	}
}
