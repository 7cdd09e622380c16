package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	return NewFromFile("")
}

// NewFromFile loads the configuration from an explicit file, or from the
// standard search path when file is empty.
func NewFromFile(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/mail-gateway/")
		v.AddConfigPath("$HOME/.mail-gateway")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("MAIL_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.hostname", "localhost")
	v.SetDefault("gateway.shutdown_timeout", "30s")

	// Protocol listeners
	v.SetDefault("smtp.enabled", true)
	v.SetDefault("smtp.listen_address", "0.0.0.0:587")
	v.SetDefault("smtp.implicit_tls", false)
	v.SetDefault("smtp.max_message_bytes", 10*1024*1024)
	v.SetDefault("smtp.max_recipients", 100)

	v.SetDefault("imap.enabled", true)
	v.SetDefault("imap.listen_address", "0.0.0.0:993")
	v.SetDefault("imap.implicit_tls", true)

	v.SetDefault("pop3.enabled", true)
	v.SetDefault("pop3.listen_address", "0.0.0.0:995")
	v.SetDefault("pop3.implicit_tls", true)
	v.SetDefault("pop3.commit_deletes", false)

	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.max_line_length", 4096)

	// Transport security
	v.SetDefault("tls.enabled", true)
	v.SetDefault("tls.cert_file", "certs/server.crt")
	v.SetDefault("tls.key_file", "certs/server.key")
	v.SetDefault("tls.generate", true)
	v.SetDefault("tls.hosts", []string{})
	v.SetDefault("tls.validity", "8760h")
	v.SetDefault("tls.handshake_timeout", "10s")

	// Scoring
	v.SetDefault("scoring.free_webmail_domains", []string{"gmail.com", "yahoo.com", "hotmail.com", "outlook.com"})
	v.SetDefault("scoring.block_threats", false)
	v.SetDefault("scoring.block_tier", "critical")

	// Classifier provider defaults
	v.SetDefault("classifier.provider", "none")
	v.SetDefault("classifier.timeout", "15s")

	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "anthropic.claude-v2")
	v.SetDefault("bedrock.max_tokens", 300)
	v.SetDefault("bedrock.temperature", 0.1)
	v.SetDefault("bedrock.top_p", 0.9)
	v.SetDefault("bedrock.max_body_size", 4096)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model_name", "gemini-pro")
	v.SetDefault("gemini.max_tokens", 300)
	v.SetDefault("gemini.temperature", 0.1)
	v.SetDefault("gemini.top_p", 0.9)
	v.SetDefault("gemini.max_body_size", 4096)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model_name", "gpt-4")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.1)
	v.SetDefault("openai.top_p", 0.9)
	v.SetDefault("openai.max_body_size", 4096)
	v.SetDefault("openai.json_mode", true)

	// Storage
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.sqlite_path", "/data/mail_gateway.db")
	v.SetDefault("storage.mysql_dsn", "user:password@tcp(localhost:3306)/mail_gateway")
	v.SetDefault("storage.query_limit", 50)

	// Authentication
	v.SetDefault("auth.max_failures", 5)
	v.SetDefault("auth.lockout", "15m")

	// Events
	v.SetDefault("events.capacity", 1024)
	v.SetDefault("events.sinks", []string{"log"})
	v.SetDefault("events.redis.address", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel", "mail-gateway:events")
	v.SetDefault("events.redis.codec", "json")
	v.SetDefault("events.redis.publish_timeout", "2s")

	v.SetDefault("metrics.listen_address", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
