package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "NHUTBOT"

// Config represents runtime configuration for the engine and its surfaces.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Defaults    Defaults                  `mapstructure:"defaults"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Models      []ModelConfig             `mapstructure:"models"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// ModelConfig maps a selectable model id onto the provider serving it.
type ModelConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Provider string `mapstructure:"provider"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	// Storage is one of sqlite3, mysql, redis, file or memory.
	Storage  string `mapstructure:"storage"`
	FileDir  string `mapstructure:"file_dir"`
	LogLevel string `mapstructure:"log_level"`
	// TurnIdleTimeout is the longest silence tolerated between stream fragments, in seconds.
	TurnIdleTimeout int `mapstructure:"turn_idle_timeout"`
}

// Defaults seed every newly created session.
type Defaults struct {
	ModelID     string  `mapstructure:"model_id"`
	Temperature float64 `mapstructure:"temperature"`
	Language    string  `mapstructure:"language"`
	Greeting    bool    `mapstructure:"greeting"`
}

// IdleTimeout returns the configured stream idle timeout.
func (b BasicConfig) IdleTimeout() time.Duration {
	return time.Duration(b.TurnIdleTimeout) * time.Second
}

// Provider returns the provider name serving modelID.
func (c *Config) Provider(modelID string) (string, bool) {
	for _, m := range c.Models {
		if m.ID == modelID {
			return m.Provider, true
		}
	}
	return "", false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", "127.0.0.1:8090")
	v.SetDefault("basic_config.storage", "sqlite3")
	v.SetDefault("basic_config.file_dir", "./data")
	v.SetDefault("basic_config.log_level", "info")
	v.SetDefault("basic_config.turn_idle_timeout", 120)
	v.SetDefault("defaults.model_id", "gemini-3-flash-preview")
	v.SetDefault("defaults.temperature", 0.7)
	v.SetDefault("defaults.language", "vi")
	v.SetDefault("defaults.greeting", true)
	v.SetDefault("databases.sqlite3.dsn", "./data/nhutbot.db")
	v.SetDefault("models", []map[string]interface{}{
		{"id": "gemini-3-flash-preview", "name": "Gemini 3 Flash", "provider": "gemini"},
		{"id": "gemini-3-pro-preview", "name": "Gemini 3 Pro", "provider": "gemini"},
	})
}

// Load reads configuration from path (or config.{json,yaml} in the working
// directory and $HOME/.nhutbot when empty) and applies NHUTBOT_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrap(err, "resolve config path")
		}
		v.SetConfigFile(absPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".nhutbot"))
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	baseDir := "."
	if used := v.ConfigFileUsed(); used != "" {
		baseDir = filepath.Dir(used)
	}
	if err := cfg.normalize(baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	c.BasicConfig.Storage = strings.ToLower(c.BasicConfig.Storage)
	switch c.BasicConfig.Storage {
	case "sqlite", "sqlite3":
		db := c.Databases["sqlite3"]
		if db.DSN == "" {
			db.DSN = c.Databases["sqlite"].DSN
		}
		if db.DSN == "" {
			return errors.New("databases.sqlite3.dsn must be configured")
		}
		if db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = filepath.Join(baseDir, db.DSN)
		}
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		c.Databases["sqlite3"] = db
	case "mysql", "redis", "memory":
	case "file":
		if c.BasicConfig.FileDir == "" {
			return errors.New("basic_config.file_dir must be configured")
		}
		if !filepath.IsAbs(c.BasicConfig.FileDir) {
			c.BasicConfig.FileDir = filepath.Join(baseDir, c.BasicConfig.FileDir)
		}
	default:
		return errors.Errorf("unsupported storage %q", c.BasicConfig.Storage)
	}

	if c.Defaults.Temperature < 0 || c.Defaults.Temperature > 1 {
		return errors.Errorf("defaults.temperature %v out of range [0,1]", c.Defaults.Temperature)
	}
	if _, ok := c.Provider(c.Defaults.ModelID); !ok {
		return errors.Errorf("default model %q is not listed in models", c.Defaults.ModelID)
	}
	return nil
}
