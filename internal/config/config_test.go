package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 48*time.Hour, cfg.HoldWindow)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, DefaultChatLimit, cfg.ChatWindowLimit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ESCROW_HOLD_WINDOW", "24h")
	t.Setenv("CHAT_WINDOW_LIMIT", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.HoldWindow)
	assert.Equal(t, 10, cfg.ChatWindowLimit)
}

func TestValidate_RejectsBadWindow(t *testing.T) {
	cfg := &Config{
		HoldWindow:      0,
		SweepInterval:   time.Second,
		ChatWindowLimit: 5,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_ProductionRequiresStripe(t *testing.T) {
	cfg := &Config{
		Env:             "production",
		HoldWindow:      time.Hour,
		SweepInterval:   time.Second,
		ChatWindowLimit: 5,
	}
	assert.Error(t, cfg.Validate())

	cfg.StripeSecretKey = "sk_test_123"
	assert.NoError(t, cfg.Validate())
}
