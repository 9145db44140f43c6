package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/channel"
	"github.com/rtfdeamon/sitellm-vertebro-sub001/internal/config"
)

func TestProvideChannelRegistryRegistersEnabledHubs(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Channels.Enabled = []string{"vk", "Telegram"}
	registry, err := provideChannelRegistry(nil, cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []channel.ChannelType{"telegram", "vk"}, registry.Types())
}

func TestProvideChannelRegistryRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Channels.Enabled = []string{"icq"}
	_, err := provideChannelRegistry(nil, cfg, nil, nil, nil)
	require.ErrorIs(t, err, channel.ErrUnsupportedChannel)
}

func TestHubOptionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Runner.IdleDelay = "2s"
	cfg.Runner.DisableConfirmation = true
	cfg.Prompts.Declined = "ok"
	opts, err := hubOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "2s", opts.Delays.Idle.String())
	assert.True(t, opts.DisableConfirmation)
	assert.Equal(t, "ok", opts.Prompts.Declined)
	assert.Equal(t, cfg.Documents.MaxDownloadBytes, opts.MaxDownloadBytes)
}

func TestTransportFactoriesCoverConfigChannels(t *testing.T) {
	t.Parallel()

	for _, name := range config.Default().Channels.Enabled {
		_, ok := transportFactories[channel.ParseChannelType(name)]
		assert.True(t, ok, name)
	}
}
