package testutils

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/database"
)

// ConfigForTests builds a config.Provider from the environment. Tests that
// need a live database are skipped unless SURREAL_URL is set.
func ConfigForTests(t *testing.T) config.Provider {
	t.Helper()

	if os.Getenv("SURREAL_URL") == "" {
		t.Skip("SURREAL_URL not set; skipping database-backed test")
	}

	return config.Static{
		DBURL:  os.Getenv("SURREAL_URL"),
		DBUser: os.Getenv("SURREAL_USER"),
		DBPass: os.Getenv("SURREAL_PASS"),
		DBNs:   envOr("SURREAL_NS", "parley_test"),
		DBDb:   envOr("SURREAL_DB", "parley_test"),
	}
}

// DB connects to the test database and registers cleanup. Skips the test
// when no database is configured.
func DB(t *testing.T) *surrealdb.DB {
	t.Helper()

	cfg := ConfigForTests(t)
	ctx := context.Background()

	db, err := database.NewDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close(context.Background())
	})
	return db
}

// ClearTables removes all rows from the given tables between tests.
func ClearTables(t *testing.T, db *surrealdb.DB, tables ...string) {
	t.Helper()
	for _, table := range tables {
		err := database.Execute(context.Background(), db, "DELETE "+table, nil)
		require.NoError(t, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
