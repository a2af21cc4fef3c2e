package config_test

import (
	"testing"

	"adaptivecore/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigFile("/nonexistent/adaptivecore.yaml")

	cfg, err := config.Load(v)
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Streaming.BufferingGoal)
	assert.Equal(t, 2.0, cfg.Streaming.RebufferingGoal)
	assert.Equal(t, 3, cfg.Streaming.Retry.MaxAttempts)
	assert.True(t, cfg.ABR.Enabled)
	assert.Equal(t, 0.85, cfg.ABR.BandwidthUpgradeTarget)
}

func TestDecodeClearKeysValid(t *testing.T) {
	keys, err := config.DecodeClearKeys([]string{
		"abc123:15f515458cdb5107452f943a111cbe89",
		"",
	})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Len(t, keys["abc123"], 16)
}

func TestDecodeClearKeysRejectsMalformed(t *testing.T) {
	_, err := config.DecodeClearKeys([]string{"not-a-kid-key-pair"})
	assert.Error(t, err)
}

func TestDecodeClearKeysRejectsBadHex(t *testing.T) {
	_, err := config.DecodeClearKeys([]string{"abc123:zzzz"})
	assert.Error(t, err)
}

func TestDecodeClearKeysRejectsDuplicateIDs(t *testing.T) {
	_, err := config.DecodeClearKeys([]string{
		"abc123:15f515458cdb5107452f943a111cbe89",
		"abc123:d3693103f232f28b4781bbc7e499c43a",
	})
	assert.Error(t, err)
}
