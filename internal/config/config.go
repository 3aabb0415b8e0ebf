package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration (file + env overrides)
type Config struct {
	Server struct {
		Addr           string        `mapstructure:"addr"`
		LogLevel       string        `mapstructure:"log_level"`
		LogFile        string        `mapstructure:"log_file"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"server"`

	Lookup struct {
		BaseURL            string        `mapstructure:"base_url"`
		ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
		Timeout            time.Duration `mapstructure:"timeout"`
		InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	} `mapstructure:"lookup"`

	Provider struct {
		BaseURL        string        `mapstructure:"base_url"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
		Timeout        time.Duration `mapstructure:"timeout"`
	} `mapstructure:"provider"`

	ClickID struct {
		TTL                time.Duration `mapstructure:"ttl"`
		CookieName         string        `mapstructure:"cookie_name"`
		CookieMaxAge       time.Duration `mapstructure:"cookie_max_age"`
		FallbackCampaignID string        `mapstructure:"fallback_campaign_id"`
		Endpoint           string        `mapstructure:"endpoint"`
	} `mapstructure:"clickid"`

	Session struct {
		Backend       string        `mapstructure:"backend"`
		CookieName    string        `mapstructure:"cookie_name"`
		Lifetime      time.Duration `mapstructure:"lifetime"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		RedisURL      string        `mapstructure:"redis_url"`
		BoltPath      string        `mapstructure:"bolt_path"`
	} `mapstructure:"session"`

	Postgres struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		DBName       string `mapstructure:"db_name"`
		SSLMode      string `mapstructure:"ssl_mode"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
	} `mapstructure:"postgres"`
}

// Session backends understood by session.Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// Load reads configs/application.yaml (optional) and APP_* environment
// variables. API_BASE_URL overrides lookup.base_url.
func Load() (Config, error) {
	return load(viper.New(), "configs")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, "")
}

func load(v *viper.Viper, dir string) (Config, error) {
	if dir != "" {
		v.SetConfigName("application")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		// the default file is optional; env can fully configure
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || dir == "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	setDefaults(v)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("lookup.base_url", "API_BASE_URL", "APP_LOOKUP_BASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_file", "")
	v.SetDefault("server.request_timeout", 20*time.Second)

	v.SetDefault("lookup.base_url", "http://localhost:3000")
	v.SetDefault("lookup.connect_timeout", 2*time.Second)
	v.SetDefault("lookup.timeout", 3*time.Second)
	v.SetDefault("lookup.insecure_skip_verify", true)

	v.SetDefault("provider.base_url", "https://dx8jy.ttrk.io")
	v.SetDefault("provider.connect_timeout", 8*time.Second)
	v.SetDefault("provider.timeout", 15*time.Second)

	v.SetDefault("clickid.ttl", 6*time.Hour)
	v.SetDefault("clickid.cookie_name", "rtkclickid-store")
	v.SetDefault("clickid.cookie_max_age", 30*24*time.Hour)
	v.SetDefault("clickid.fallback_campaign_id", "68405d20d4a5e7f4cc123742")
	v.SetDefault("clickid.endpoint", "clickid")

	v.SetDefault("session.backend", BackendMemory)
	v.SetDefault("session.cookie_name", "clickid_session")
	v.SetDefault("session.lifetime", 24*time.Hour)
	v.SetDefault("session.sweep_interval", 10*time.Minute)
	v.SetDefault("session.redis_url", "redis://localhost:6379/0")
	v.SetDefault("session.bolt_path", "data/sessions.db")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db_name", "")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 2)
}

func validate(c *Config) error {
	c.Lookup.BaseURL = strings.TrimRight(c.Lookup.BaseURL, "/")
	c.Provider.BaseURL = strings.TrimRight(c.Provider.BaseURL, "/")
	c.ClickID.Endpoint = strings.Trim(c.ClickID.Endpoint, "/")
	c.ClickID.FallbackCampaignID = strings.TrimSpace(c.ClickID.FallbackCampaignID)
	c.Session.Backend = strings.ToLower(c.Session.Backend)

	if c.Provider.BaseURL == "" {
		return errors.New("config: provider.base_url is required")
	}
	if c.ClickID.FallbackCampaignID == "" {
		return errors.New("config: clickid.fallback_campaign_id is required")
	}
	if c.ClickID.TTL <= 0 {
		return fmt.Errorf("config: clickid.ttl must be positive, got %s", c.ClickID.TTL)
	}
	if c.Session.Lifetime < c.ClickID.TTL {
		c.Session.Lifetime = c.ClickID.TTL
	}
	switch c.Session.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendBolt:
	default:
		return fmt.Errorf("config: unknown session.backend %q", c.Session.Backend)
	}
	if c.Postgres.MaxIdleConns > c.Postgres.MaxOpenConns {
		c.Postgres.MaxIdleConns = c.Postgres.MaxOpenConns
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
		c.Postgres.SSLMode,
	)
}

// DSNRedacted is DSN without credentials, for logs.
func (c Config) DSNRedacted() string {
	return fmt.Sprintf("postgres://***:***@%s:%d/%s", c.Postgres.Host, c.Postgres.Port, c.Postgres.DBName)
}
