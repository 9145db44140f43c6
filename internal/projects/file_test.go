package projects

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
)

const sampleFile = `projects:
  - name: beta
    channels:
      vk:
        token: vk-token
        options:
          group_id: "42"
  - name: alpha
    channels:
      telegram:
        token: " tg-token "
        auto_start: true
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileStoreListsSortedProjects(t *testing.T) {
	t.Parallel()

	store := NewFileStore(nil, writeFile(t, sampleFile))
	items, err := store.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Name)
	assert.Equal(t, "beta", items[1].Name)

	tg, ok := items[0].Settings("telegram")
	require.True(t, ok)
	assert.Equal(t, "tg-token", tg.Token)
	assert.True(t, tg.AutoStart)

	vk, ok := items[1].Settings("vk")
	require.True(t, ok)
	assert.Equal(t, "42", vk.Option("group_id"))
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	store := NewFileStore(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	items, err := store.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = store.GetProject(context.Background(), "alpha")
	assert.True(t, errors.Is(err, channel.ErrProjectNotFound))
}

func TestFileStoreRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	store := NewFileStore(nil, writeFile(t, "projects:\n  - name: a\n  - name: a\n"))
	_, err := store.ListProjects(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestFileStoreRejectsMissingName(t *testing.T) {
	t.Parallel()

	store := NewFileStore(nil, writeFile(t, "projects:\n  - channels:\n      telegram:\n        token: x\n"))
	_, err := store.ListProjects(context.Background())
	require.Error(t, err)
}

func TestFileStoreUpsertPersistsAutoStart(t *testing.T) {
	t.Parallel()

	path := writeFile(t, sampleFile)
	store := NewFileStore(nil, path)
	ctx := context.Background()

	project, err := store.GetProject(ctx, "alpha")
	require.NoError(t, err)
	settings := project.Channels["telegram"]
	settings.AutoStart = false
	project.Channels["telegram"] = settings
	require.NoError(t, store.UpsertProject(ctx, project))

	reloaded := NewFileStore(nil, path)
	got, err := reloaded.GetProject(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, got.Channels["telegram"].AutoStart)
	assert.Equal(t, "tg-token", got.Channels["telegram"].Token)

	items, err := reloaded.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFileStoreUpsertCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "projects.yaml")
	store := NewFileStore(nil, path)
	ctx := context.Background()

	err := store.UpsertProject(ctx, channel.Project{
		Name: "gamma",
		Channels: map[channel.ChannelType]channel.ChannelSettings{
			"discord": {Token: "d", Options: map[string]string{"channel_ids": "1,2"}},
		},
	})
	require.NoError(t, err)

	got, err := store.GetProject(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "1,2", got.Channels["discord"].Option("channel_ids"))

	err = store.UpsertProject(ctx, channel.Project{})
	assert.Error(t, err)
}

func TestSummarizeHidesTokens(t *testing.T) {
	t.Parallel()

	s := Summarize(channel.Project{
		Name: "alpha",
		Channels: map[channel.ChannelType]channel.ChannelSettings{
			"vk":       {},
			"telegram": {Token: "secret", AutoStart: true},
		},
	})
	require.Len(t, s.Channels, 2)
	assert.Equal(t, channel.ChannelType("telegram"), s.Channels[0].Type)
	assert.True(t, s.Channels[0].HasToken)
	assert.False(t, s.Channels[1].HasToken)
}
