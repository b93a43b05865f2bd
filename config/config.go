package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "ATELIER"

type RelayConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	DbPath         string   `mapstructure:"db_path" yaml:"db_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxUploadMb    int      `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
}

type NotifyConfig struct {
	RetentionSec int `mapstructure:"retention_sec" yaml:"retention_sec"`
	MaxCount     int `mapstructure:"max_count" yaml:"max_count"`
}

type BusConfig struct {
	ReconnectAttempts int `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
}

type CacheConfig struct {
	TtlSec int `mapstructure:"ttl_sec" yaml:"ttl_sec"`
}

type Config struct {
	ApiUrl string `mapstructure:"api_url" yaml:"api_url"`
	// when empty, the api host with a websocket scheme and `/ws`
	BusUrl string `mapstructure:"bus_url" yaml:"bus_url"`
	Token  string `mapstructure:"token" yaml:"token"`

	Relay  RelayConfig  `mapstructure:"relay" yaml:"relay"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
	Bus    BusConfig    `mapstructure:"bus" yaml:"bus"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "atelier.yaml")
	}
	return filepath.Join(home, ".config", "atelier", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("bus_url", "")
	v.SetDefault("token", "")
	v.SetDefault("relay.addr", ":8080")
	v.SetDefault("relay.db_path", "atelier.db")
	v.SetDefault("relay.allowed_origins", []string{})
	v.SetDefault("relay.max_upload_mb", 25)
	v.SetDefault("notify.retention_sec", 10)
	v.SetDefault("notify.max_count", 50)
	v.SetDefault("bus.reconnect_attempts", 10)
	v.SetDefault("cache.ttl_sec", 60)
}

// LoadConfig resolves defaults, then the yaml file at path if it exists, then `ATELIER_*` env vars
// e.g. `ATELIER_API_URL`, `ATELIER_RELAY_ADDR`
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFoundErr viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFoundErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApiUrl = strings.TrimSuffix(cfg.ApiUrl, "/")
	return cfg, nil
}

// the configured bus url, or the api host with a websocket scheme
func (self *Config) ResolveBusUrl() (string, error) {
	if self.BusUrl != "" {
		return self.BusUrl, nil
	}
	return BusUrlForApi(self.ApiUrl)
}

func BusUrlForApi(apiUrl string) (string, error) {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return "", fmt.Errorf("parsing api url %s: %w", apiUrl, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url has no host: %s", apiUrl)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (self *Config) NotifyRetention() time.Duration {
	return time.Duration(self.Notify.RetentionSec) * time.Second
}

func (self *Config) CacheTtl() time.Duration {
	return time.Duration(self.Cache.TtlSec) * time.Second
}
