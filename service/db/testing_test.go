package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStore wraps a Store with test cleanup functionality.
type TestStore struct {
	*Store
	pool *pgxpool.Pool
}

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// testDSN returns TEST_DATABASE_URL when set, otherwise starts (once per
// test binary) a throwaway Postgres container. Ryuk reaps the container
// when the binary exits.
func testDSN(ctx context.Context) (string, error) {
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn, nil
	}

	containerOnce.Do(func() {
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("whalewatch_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	return containerDSN, containerErr
}

// NewTestStore creates a Store connected to a migrated, empty test database.
// The test is skipped when no database can be provisioned.
func NewTestStore(t *testing.T) *TestStore {
	t.Helper()
	SkipIfNoTestDB(t)

	ctx := context.Background()
	dsn, err := testDSN(ctx)
	if err != nil {
		t.Skipf("Skipping database test: cannot provision test database: %v", err)
	}

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	ts := &TestStore{Store: NewStore(pool), pool: pool}
	if err := ts.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}
	ts.Cleanup(t)
	t.Cleanup(ts.Close)

	return ts
}

// Close closes the database connection pool.
func (ts *TestStore) Close() {
	ts.pool.Close()
}

// Cleanup removes all data from test tables.
func (ts *TestStore) Cleanup(t *testing.T) {
	t.Helper()

	_, err := ts.pool.Exec(context.Background(), "TRUNCATE TABLE whale_transactions, alerts RESTART IDENTITY")
	if err != nil {
		t.Fatalf("failed to cleanup test database: %v", err)
	}
}

// MustExec executes a SQL statement and fails the test if it errors.
// Useful for setting up test fixtures such as backdated rows.
func (ts *TestStore) MustExec(t *testing.T, query string, args ...interface{}) {
	t.Helper()

	_, err := ts.pool.Exec(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("failed to execute query: %v\nQuery: %s", err, query)
	}
}

// SkipIfNoTestDB skips database tests in -short mode or when SKIP_DB_TESTS is set.
func SkipIfNoTestDB(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}
	if os.Getenv("SKIP_DB_TESTS") != "" {
		t.Skip("Skipping database test (SKIP_DB_TESTS is set)")
	}
}
