package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"land-office/internal/config"
	"land-office/internal/db"
	"land-office/internal/logger"
	"land-office/migrations"
)

const usage = "usage: migrate up|down|version"

func main() {
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		zl.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	m, err := migrations.New(pool, zl)
	if err != nil {
		zl.Fatal("migrator", zap.Error(err))
	}
	defer m.Close()

	switch os.Args[1] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version %d (dirty: %t)\n", version, dirty)
		}
	default:
		log.Fatal(usage)
	}
	if err != nil {
		zl.Fatal("migrate "+os.Args[1], zap.Error(err))
	}
}
