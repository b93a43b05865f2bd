package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.ApiUrl, "http://localhost:8080")
	assert.Equal(t, cfg.Relay.Addr, ":8080")
	assert.Equal(t, cfg.Notify.MaxCount, 50)
	assert.Equal(t, cfg.NotifyRetention(), 10*time.Second)
	assert.Equal(t, cfg.CacheTtl(), 60*time.Second)
	assert.Equal(t, cfg.Bus.ReconnectAttempts, 10)

	busUrl, err := cfg.ResolveBusUrl()
	assert.Equal(t, err, nil)
	assert.Equal(t, busUrl, "ws://localhost:8080/ws")
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("api_url: https://atelier.example.com/\nnotify:\n  max_count: 20\nrelay:\n  addr: \":9000\"\n"), 0600)
	assert.Equal(t, err, nil)

	t.Setenv("ATELIER_RELAY_ADDR", ":9100")
	t.Setenv("ATELIER_TOKEN", "abc")

	cfg, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.ApiUrl, "https://atelier.example.com")
	assert.Equal(t, cfg.Notify.MaxCount, 20)
	// env wins over the file
	assert.Equal(t, cfg.Relay.Addr, ":9100")
	assert.Equal(t, cfg.Token, "abc")

	busUrl, err := cfg.ResolveBusUrl()
	assert.Equal(t, err, nil)
	assert.Equal(t, busUrl, "wss://atelier.example.com/ws")

	cfg.BusUrl = "ws://bus.example.com/socket"
	busUrl, _ = cfg.ResolveBusUrl()
	assert.Equal(t, busUrl, "ws://bus.example.com/socket")
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("api_url: [unterminated\n"), 0600)
	_, err := LoadConfig(path)
	assert.NotEqual(t, err, nil)
}

func TestBusUrlForApi(t *testing.T) {
	busUrl, err := BusUrlForApi("http://10.0.0.2:3000/app?x=1")
	assert.Equal(t, err, nil)
	assert.Equal(t, busUrl, "ws://10.0.0.2:3000/ws")

	_, err = BusUrlForApi("not a url")
	assert.NotEqual(t, err, nil)
}
