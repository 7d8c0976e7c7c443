package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROXY_BASE_URL", "https://pay.example.com/")
	t.Setenv("THREEDS_RETRY_DELAY", "not-a-duration")

	cfg := Load()

	assert.Equal(t, "https://pay.example.com", cfg.Proxy.BaseURL)
	assert.Equal(t, "https://pay.example.com/api/subscribe/manage.php", cfg.Proxy.ActivationURL)
	assert.Equal(t, 500*time.Millisecond, cfg.ThreeDS.SubmitDelay)
	assert.Equal(t, 800*time.Millisecond, cfg.ThreeDS.RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.ThreeDS.PopupCloseDelay)
	assert.Equal(t, "*", cfg.ThreeDS.RelayOrigin)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Redis.FollowUpDelay)
	assert.Empty(t, cfg.Server.TrustedProxies)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("THREEDS_FORM_CHECK_DELAY", "250ms")
	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("SESSION_SECURE", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://www.example.com,")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,172.16.0.1")
	t.Setenv("ACTIVATION_FOLLOWUP_DELAY", "5s")

	cfg := Load()

	assert.Equal(t, 250*time.Millisecond, cfg.ThreeDS.FormCheckDelay)
	assert.Equal(t, 4, cfg.Redis.WorkerConcurrency)
	assert.False(t, cfg.Session.Secure)
	assert.Equal(t, []string{"https://app.example.com", "https://www.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 5*time.Second, cfg.Redis.FollowUpDelay)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROXY_BASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Proxy.BaseURL = "https://pay.example.com"
	cfg.ThreeDS.CallbackURL = "https://app.example.com/payments/3ds/callback"
	cfg.Session.Secret = "secret"
	cfg.JWT.Secret = "jwt"
	require.NoError(t, cfg.Validate())
}
