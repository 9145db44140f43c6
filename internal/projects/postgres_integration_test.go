package projects

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/db"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}
	require.NoError(t, db.Migrate(dsn))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgresStore(nil, pool), pool
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store, pool := setupPostgresStore(t)
	ctx := context.Background()
	name := "it-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM projects WHERE name = $1`, name)
	})

	err := store.UpsertProject(ctx, channel.Project{
		Name: name,
		Channels: map[channel.ChannelType]channel.ChannelSettings{
			"telegram": {Token: "tg", AutoStart: true},
			"vk":       {Token: "vk", Options: map[string]string{"group_id": "7"}},
		},
	})
	require.NoError(t, err)

	got, err := store.GetProject(ctx, name)
	require.NoError(t, err)
	assert.True(t, got.Channels["telegram"].AutoStart)
	assert.Equal(t, "7", got.Channels["vk"].Option("group_id"))

	// Dropping a channel removes its row.
	delete(got.Channels, "vk")
	require.NoError(t, store.UpsertProject(ctx, got))
	got, err = store.GetProject(ctx, name)
	require.NoError(t, err)
	assert.Len(t, got.Channels, 1)

	items, err := store.ListProjects(ctx)
	require.NoError(t, err)
	found := false
	for _, item := range items {
		if item.Name == name {
			found = true
		}
	}
	assert.True(t, found)

	_, err = store.GetProject(ctx, name+"-missing")
	assert.True(t, errors.Is(err, channel.ErrProjectNotFound))
}
