// Package testutil provides a migrated Postgres for integration tests.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"land-office/migrations"
)

// tables lists every engine table, truncated between tests.
const tables = `owners, parcels, parcel_owners, subdivisions, plots, listings,
	clients, agents, offers, sequence_counters, sale_agreements, commissions,
	payment_plans, receipts, invoices, payment_allocations, tasks,
	documents, audit_logs, access_logs, user_activity`

var (
	sharedOnce sync.Once
	sharedDSN  string
	sharedErr  error
	migrated   sync.Once
)

// databaseURL returns TEST_DATABASE_URL, or starts one shared postgres
// container per test binary. The container is reaped by testcontainers'
// ryuk sidecar when the process exits.
func databaseURL(t *testing.T) string {
	t.Helper()
	_ = godotenv.Load("../../.env")
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	if testing.Short() {
		t.Skip("TEST_DATABASE_URL not set and -short given, skipping integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	sharedOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("land_office_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			sharedErr = err
			return
		}
		sharedDSN, sharedErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, sharedErr, "failed to start postgres container")
	return sharedDSN
}

// NewPool returns a pool on a migrated, empty database. Tests using it must
// not run in parallel with each other.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	url := databaseURL(t)
	migrated.Do(func() { migrate(t, url) })

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE TABLE `+tables+` RESTART IDENTITY CASCADE`)
	require.NoError(t, err, "failed to truncate test database")
	return pool
}

// migrate runs on its own pool because closing the migrator closes the
// database handle underneath it.
func migrate(t *testing.T, url string) {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	defer pool.Close()

	m, err := migrations.New(pool, nil)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.Up(), "failed to migrate test database")
}
