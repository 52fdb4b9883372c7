package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

// Config holds all process-level configuration. Runtime behaviour settings
// live in the database behind the settings service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	AppKey   string         `mapstructure:"app_key"`
	DataDir  string         `mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults.
// Recognized environment variables: HOST, PORT, LOG_LEVEL, LOG_FORMAT,
// APP_KEY and ANIBRIDGE_DATA_DIR (plus ANIBRIDGE_-prefixed forms of every
// key, e.g. ANIBRIDGE_SERVER_PORT).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.anibridge")
	}

	v.SetEnvPrefix("ANIBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env names kept for compatibility with the boot surface.
	_ = v.BindEnv("server.host", "ANIBRIDGE_SERVER_HOST", "HOST")
	_ = v.BindEnv("server.port", "ANIBRIDGE_SERVER_PORT", "PORT")
	_ = v.BindEnv("logging.level", "ANIBRIDGE_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "ANIBRIDGE_LOGGING_FORMAT", "LOG_FORMAT")
	_ = v.BindEnv("app_key", "ANIBRIDGE_APP_KEY", "APP_KEY")
	_ = v.BindEnv("data_dir", "ANIBRIDGE_DATA_DIR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.DataDir, "anibridge.db")
	}
	if cfg.Logging.Path == "" {
		cfg.Logging.Path = filepath.Join(cfg.DataDir, "logs")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("data_dir", "./data")
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TempDir returns the directory used for in-flight download chunks.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// PosterDir returns the directory posters are downloaded into.
func (c *Config) PosterDir() string {
	return filepath.Join(c.DataDir, "posters")
}
