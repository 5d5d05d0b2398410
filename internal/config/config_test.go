package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-notes-api/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "GEMA Notes API", cfg.AppName)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, "gema", cfg.ChannelBase)
	require.Equal(t, 10, cfg.UploadMaxMB)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "secret")
	t.Setenv("GEMA_DATABASE_DRIVER", "mysql")

	_, err := config.Load()
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestLoadClient(t *testing.T) {
	t.Setenv("GEMA_CLIENT_TOKEN", "jwt")
	t.Setenv("GEMA_CLIENT_SERVER_URL", "http://chat.local:9000/")
	t.Setenv("GEMA_CLIENT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("GEMA_CLIENT_TYPING_IDLE", "1500ms")

	cfg, err := config.LoadClient()
	require.NoError(t, err)
	require.Equal(t, "http://chat.local:9000", cfg.ServerURL)
	require.Equal(t, 3, cfg.MaxReconnectAttempts)
	require.Equal(t, time.Second, cfg.ReconnectDelay)
	require.Equal(t, 1500*time.Millisecond, cfg.TypingIdleWindow)
	require.Equal(t, 3*time.Second, cfg.RemoteTypingTTL)
}

func TestLoadClientRejectsBadDuration(t *testing.T) {
	t.Setenv("GEMA_CLIENT_TOKEN", "jwt")
	t.Setenv("GEMA_CLIENT_RECONNECT_DELAY", "soon")

	_, err := config.LoadClient()
	require.ErrorContains(t, err, "client.reconnect_delay")
}
