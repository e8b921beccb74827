package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"land-office/internal/config"
	"land-office/internal/core"
	"land-office/internal/db"
	"land-office/internal/logger"
)

// verify-db scans the database for rows that break the engine's invariants
// and exits 1 when it finds any.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		zl.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	start := time.Now()
	violations, err := core.NewVerifier(pool).Verify(ctx)
	if err != nil {
		zl.Fatal("verify", zap.Error(err))
	}

	for _, v := range violations {
		fmt.Printf("[FAIL] %-24s %s %d: %s\n", v.Invariant, v.Entity, v.ID, v.Detail)
	}
	zl.Info("verification finished", zap.Int("violations", len(violations)), zap.Duration("took", time.Since(start)))
	if len(violations) > 0 {
		os.Exit(1)
	}
	fmt.Println("[OK] no invariant violations")
}
