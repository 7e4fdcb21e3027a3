package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
		// BaseURL es la URL canónica pública del nodo (ej. https://feed.example).
		// De acá salen las URIs de actores locales: <base_url>/users/<username>.
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		Driver   string `yaml:"driver"` // pg | memory
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int    `yaml:"max_conns"`
			MinConns        int    `yaml:"min_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Federation struct {
		// TTL del cache de claves públicas remotas.
		KeyCacheTTL string `yaml:"key_cache_ttl"`
		// Timeout de toda operación de red saliente (fetch de actores, POSTs a inboxes).
		HTTPTimeout string `yaml:"http_timeout"`
		// Ventana de gracia por defecto al rotar claves.
		RotateGraceSeconds int64 `yaml:"rotate_grace_seconds"`

		Delivery struct {
			Workers      int    `yaml:"workers"`
			MaxAttempts  int    `yaml:"max_attempts"`
			BaseBackoff  string `yaml:"base_backoff"`
			MaxBackoff   string `yaml:"max_backoff"`
			ScanInterval string `yaml:"scan_interval"`
			BatchSize    int    `yaml:"batch_size"`
		} `yaml:"delivery"`
	} `yaml:"federation"`

	Admin struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"admin"`

	Flags struct {
		Migrate bool `yaml:"migrate"`
	} `yaml:"flags"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	applyDefaults(&c)
	applyEnvOverrides(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default devuelve una configuración usable sin archivo (dev/tests).
func Default() *Config {
	var c Config
	applyDefaults(&c)
	applyEnvOverrides(&c)
	return &c
}

func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "hellofed"
	}
	if c.Federation.KeyCacheTTL == "" {
		c.Federation.KeyCacheTTL = "1h"
	}
	if c.Federation.HTTPTimeout == "" {
		c.Federation.HTTPTimeout = "10s"
	}
	if c.Federation.RotateGraceSeconds == 0 {
		c.Federation.RotateGraceSeconds = 3600
	}
	d := &c.Federation.Delivery
	if d.Workers == 0 {
		d.Workers = 4
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 8
	}
	if d.BaseBackoff == "" {
		d.BaseBackoff = "30s"
	}
	if d.MaxBackoff == "" {
		d.MaxBackoff = "4h"
	}
	if d.ScanInterval == "" {
		d.ScanInterval = "1s"
	}
	if d.BatchSize == 0 {
		d.BatchSize = 50
	}
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("HELLOFED_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("HELLOFED_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("HELLOFED_DSN"); v != "" {
		c.Storage.DSN = v
		if c.Storage.Driver == "memory" {
			c.Storage.Driver = "pg"
		}
	}
	if v := os.Getenv("HELLOFED_ADMIN_KEY"); v != "" {
		c.Admin.APIKey = v
	}
	if v := os.Getenv("HELLOFED_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate chequea lo mínimo para arrancar.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url inválida: %q", c.Server.BaseURL)
	}
	if c.Storage.Driver == "pg" && strings.TrimSpace(c.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn requerido con driver pg")
	}
	return nil
}

// Domain devuelve el host del BaseURL (para webfinger y URIs).
func (c *Config) Domain() string {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// ParseDuration parsea un string de duración con fallback.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
