package config

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func TestLoadGateway(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("HISTORY_LIMIT", "20")

	cfg, err := LoadGateway()
	assert.NoError(t, err)
	check.Equal(t, ":8080", cfg.ServerAddr)
	check.Equal(t, "redis:6379", cfg.Redis.Addr)
	check.Equal(t, 20, cfg.HistoryLimit)
	check.NoError(t, cfg.Validate())
}

func TestLoadGateway_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := LoadGateway()
	check.Error(t, err)
}

func TestLoadRelay_Origins(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadRelay()
	assert.NoError(t, err)
	check.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	check.NoError(t, cfg.Validate())
}

func TestLoadWatch(t *testing.T) {
	t.Setenv("BIDWATCH_REQUEST_TIMEOUT_SEC", "3")

	cfg, err := LoadWatch()
	assert.NoError(t, err)
	check.Equal(t, 3*time.Second, cfg.RequestTimeout)
	check.Equal(t, "warn", cfg.LogLevel)
	check.NoError(t, cfg.Validate())

	cfg.StreamURL = "not a url"
	check.Error(t, cfg.Validate())
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := &ArchiverConfig{ConsumerName: "bid-archiver", LogLevel: "verbose"}
	check.Error(t, cfg.Validate())

	cfg.LogLevel = "debug"
	check.NoError(t, cfg.Validate())
}
