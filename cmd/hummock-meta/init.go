package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/singularity-data/hummock/internal/config"
	"github.com/singularity-data/hummock/pkg/metastore"
	"github.com/singularity-data/hummock/pkg/objstore"
)

// initLogger configures the process-wide slog.Logger (JSON or text).
func initLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Logger.Level)}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initMetaStore builds the configured metastore backend.
func initMetaStore(cfg *config.Config) (metastore.MetaStore, error) {
	switch cfg.MetaStore.Backend {
	case "", "memory":
		return metastore.NewMemStore(), nil
	case "zookeeper":
		zk := cfg.MetaStore.Zookeeper
		return metastore.NewZKStore(zk.Servers, zk.RootPath, zk.SessionTimeout)
	default:
		return nil, fmt.Errorf("unknown metastore backend %q", cfg.MetaStore.Backend)
	}
}

// initObjStore builds the configured object store backend.
func initObjStore(ctx context.Context, cfg *config.Config) (objstore.ObjectStore, error) {
	switch cfg.ObjStore.Backend {
	case "", "memory":
		return objstore.NewMemStore(), nil
	case "s3":
		s3 := cfg.ObjStore.S3
		return objstore.NewS3Store(ctx, objstore.S3Options{
			Bucket:   s3.Bucket,
			Prefix:   s3.Prefix,
			Region:   s3.Region,
			Endpoint: s3.Endpoint,
		})
	default:
		return nil, fmt.Errorf("unknown objstore backend %q", cfg.ObjStore.Backend)
	}
}
