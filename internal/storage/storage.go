// Package storage selects and opens the configured backend.
package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/internal/storage/kv"
	"github.com/objectfs/deskfs/internal/storage/local"
	"github.com/objectfs/deskfs/internal/storage/memory"
	"github.com/objectfs/deskfs/internal/storage/s3"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
)

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (types.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		backend types.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		backend = memory.New(memory.WithLogger(logger))
	case config.BackendLocal:
		backend, err = local.New(cfg.Local.Root, logger)
	case config.BackendS3:
		backend, err = s3.New(ctx, s3.ConfigFrom(cfg.S3), logger)
	case config.BackendKV:
		backend, err = kv.Open(kv.ConfigFrom(cfg.KV), logger)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown storage backend").
			WithComponent("storage").
			WithContext("backend", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Storage backend ready", zap.String("backend", cfg.Backend))
	return backend, nil
}
