package storage

import (
	"context"
	"errors"
	"strings"

	"ticketgrab/internal/storage/seal"
	logx "ticketgrab/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("storage")
	sealer, err := seal.New(cfg.CredentialKey)
	if err != nil {
		return nil, err
	}
	codec := credCodec{sealer: sealer}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return newMemory(codec), nil
	case "file":
		return openFile(cfg, codec, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, codec, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, codec, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
