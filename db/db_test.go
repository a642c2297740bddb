package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB opens the database named by TEST_PG_DSN and runs migrations,
// skipping the test when the variable is unset.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), database))
	t.Cleanup(func() {
		_, _ = database.Exec(`DELETE FROM users`)
		_, _ = database.Exec(`DELETE FROM kv`)
		database.Close()
	})
	return database
}

func TestUserRegistry(t *testing.T) {
	dbx := setupTestDB(t)
	ctx := context.Background()

	known, err := PresentUser(ctx, dbx, 42)
	require.NoError(t, err)
	assert.False(t, known)

	require.NoError(t, AddUser(ctx, dbx, 42))
	// Re-adding is a no-op, not an error.
	require.NoError(t, AddUser(ctx, dbx, 42))

	known, err = PresentUser(ctx, dbx, 42)
	require.NoError(t, err)
	assert.True(t, known)

	n, err := CountUsers(ctx, dbx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, AddUser(ctx, dbx, 43))
	users, err := FullUserbase(ctx, dbx)
	require.NoError(t, err)
	assert.Equal(t, []int64{42, 43}, users, "oldest first")

	require.NoError(t, DelUser(ctx, dbx, 42))
	known, err = PresentUser(ctx, dbx, 42)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestKV(t *testing.T) {
	dbx := setupTestDB(t)
	ctx := context.Background()

	v, err := GetKV(ctx, dbx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v, "absent keys read as empty")

	require.NoError(t, SetKV(ctx, dbx, "force_sub_channel", "-100111"))
	v, err = GetKV(ctx, dbx, "force_sub_channel")
	require.NoError(t, err)
	assert.Equal(t, "-100111", v)

	require.NoError(t, SetKV(ctx, dbx, "force_sub_channel", "-100222"))
	v, err = GetKV(ctx, dbx, "force_sub_channel")
	require.NoError(t, err)
	assert.Equal(t, "-100222", v, "set replaces the previous value")
}

func TestHeartbeat(t *testing.T) {
	dbx := setupTestDB(t)
	ctx := context.Background()

	Heartbeat(ctx, dbx, "bot_poll")
	v, err := GetKV(ctx, dbx, "job_bot_poll_last")
	require.NoError(t, err)
	require.NotEmpty(t, v)

	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}
