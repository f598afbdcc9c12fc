package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	AuthSecret  string   `mapstructure:"auth_secret"`
}

type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Host       string `mapstructure:"host"`
	Port       string `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	Name       string `mapstructure:"name"`
	SSLMode    string `mapstructure:"ssl_mode"`
}

type HomeAssistantConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	BaseURL          string   `mapstructure:"base_url"`
	Token            string   `mapstructure:"token"`
	EntityPrefix     string   `mapstructure:"entity_prefix"`
	SelectedEntities []string `mapstructure:"selected_entities"`
}

// AwayHomeConfig gates compiled schedules on a presence entity and
// describes the fallback climate state applied while everyone is away.
type AwayHomeConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	EntityID        string  `mapstructure:"entity_id"`
	HomeState       string  `mapstructure:"home_state"`
	AwayState       string  `mapstructure:"away_state"`
	AwayTemperature float64 `mapstructure:"away_temperature"`
	AwayMode        string  `mapstructure:"away_mode"`
}

type SyncConfig struct {
	Cron      string `mapstructure:"cron"`
	LegacyDir string `mapstructure:"legacy_dir"`
}

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	AwayHome      AwayHomeConfig      `mapstructure:"away_home"`
	Sync          SyncConfig          `mapstructure:"sync"`
	LogLevel      string              `mapstructure:"log_level"`
}

// Load reads the YAML config at path, applies environment overrides and
// validates the result. A missing file is not an error: defaults plus
// environment are enough to boot against a supervisor-provided platform.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "/data/schedules.db")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("homeassistant.entity_prefix", "heatsched")
	v.SetDefault("away_home.home_state", "home")
	v.SetDefault("away_home.away_state", "not_home")
	v.SetDefault("away_home.away_temperature", 16.0)
	v.SetDefault("away_home.away_mode", "auto")
	v.SetDefault("sync.cron", "@hourly")
	v.SetDefault("log_level", "info")
}

func applyEnvOverrides(cfg *Config) {
	if url := os.Getenv("HA_URL"); url != "" {
		cfg.HomeAssistant.BaseURL = url
		cfg.HomeAssistant.Enabled = true
	}
	if token := os.Getenv("HA_TOKEN"); token != "" {
		cfg.HomeAssistant.Token = token
	}
	// Supervisor-managed deployments expose the platform on a fixed URL.
	if token := os.Getenv("SUPERVISOR_TOKEN"); token != "" {
		if cfg.HomeAssistant.BaseURL == "" || cfg.HomeAssistant.BaseURL == "http://supervisor/core" {
			cfg.HomeAssistant.BaseURL = "http://supervisor/core"
			cfg.HomeAssistant.Token = token
			cfg.HomeAssistant.Enabled = true
		}
	}
	cfg.HomeAssistant.EntityPrefix = getenv("ENTITY_PREFIX", cfg.HomeAssistant.EntityPrefix)
	cfg.Server.AuthSecret = getenv("AUTH_SECRET", cfg.Server.AuthSecret)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	if cfg.Database.Driver == "postgres" {
		cfg.Database.User = getenv("POSTGRES_USER", cfg.Database.User)
		cfg.Database.Password = getenv("POSTGRES_PASSWORD", cfg.Database.Password)
		cfg.Database.Name = getenv("POSTGRES_DB", cfg.Database.Name)
		cfg.Database.Host = getenv("POSTGRES_HOST", cfg.Database.Host)
		cfg.Database.Port = getenv("POSTGRES_PORT", cfg.Database.Port)
		cfg.Database.SSLMode = getenv("POSTGRES_SSLMODE", cfg.Database.SSLMode)
	}
}

// Validate rejects configurations the service cannot run with. Called at
// startup and again whenever the setup flow swaps in a new config.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return errors.New("database host, user and name are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.HomeAssistant.Enabled {
		if c.HomeAssistant.BaseURL == "" || c.HomeAssistant.Token == "" {
			return errors.New("homeassistant.base_url and homeassistant.token are required when enabled")
		}
	}
	switch c.AwayHome.AwayMode {
	case "auto", "heat", "off":
	default:
		return fmt.Errorf("invalid away_home.away_mode %q", c.AwayHome.AwayMode)
	}
	if c.AwayHome.Enabled && c.AwayHome.EntityID == "" {
		return errors.New("away_home.entity_id is required when away_home is enabled")
	}
	if _, err := cron.ParseStandard(c.Sync.Cron); err != nil {
		return fmt.Errorf("invalid sync.cron %q: %w", c.Sync.Cron, err)
	}
	return nil
}

// Save persists the config back to the YAML file for the setup flow.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.Set("server", map[string]any{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"cors_origins": cfg.Server.CORSOrigins,
		"auth_secret":  cfg.Server.AuthSecret,
	})
	v.Set("database", map[string]any{
		"driver":      cfg.Database.Driver,
		"sqlite_path": cfg.Database.SQLitePath,
		"host":        cfg.Database.Host,
		"port":        cfg.Database.Port,
		"user":        cfg.Database.User,
		"password":    cfg.Database.Password,
		"name":        cfg.Database.Name,
		"ssl_mode":    cfg.Database.SSLMode,
	})
	v.Set("homeassistant", map[string]any{
		"enabled":           cfg.HomeAssistant.Enabled,
		"base_url":          cfg.HomeAssistant.BaseURL,
		"token":             cfg.HomeAssistant.Token,
		"entity_prefix":     cfg.HomeAssistant.EntityPrefix,
		"selected_entities": cfg.HomeAssistant.SelectedEntities,
	})
	v.Set("away_home", map[string]any{
		"enabled":          cfg.AwayHome.Enabled,
		"entity_id":        cfg.AwayHome.EntityID,
		"home_state":       cfg.AwayHome.HomeState,
		"away_state":       cfg.AwayHome.AwayState,
		"away_temperature": cfg.AwayHome.AwayTemperature,
		"away_mode":        cfg.AwayHome.AwayMode,
	})
	v.Set("sync", map[string]any{
		"cron":       cfg.Sync.Cron,
		"legacy_dir": cfg.Sync.LegacyDir,
	})
	v.Set("log_level", cfg.LogLevel)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Configured reports whether the platform connection has been set up.
// The web UI redirects to the setup flow until this is true.
func (c *Config) Configured() bool {
	return c.HomeAssistant.Enabled && c.HomeAssistant.BaseURL != "" && c.HomeAssistant.Token != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
