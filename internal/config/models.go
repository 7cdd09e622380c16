package config

import (
	"fmt"
	"time"
)

// ListenerConfig describes one protocol acceptor
type ListenerConfig struct {
	Enabled       bool
	ListenAddress string
	ImplicitTLS   bool
}

// SMTPConfig represents the send-protocol listener configuration
type SMTPConfig struct {
	ListenerConfig
	MaxMessageBytes int
	MaxRecipients   int
}

// POP3Config represents the download-protocol listener configuration
type POP3Config struct {
	ListenerConfig
	CommitDeletes bool
}

// SessionConfig holds limits shared by every protocol session
type SessionConfig struct {
	Hostname      string
	IdleTimeout   time.Duration
	MaxLineLength int
}

// TLSConfig represents the certificate material settings
type TLSConfig struct {
	Enabled          bool
	CertFile         string
	KeyFile          string
	Generate         bool
	Hosts            []string
	Validity         time.Duration
	HandshakeTimeout time.Duration
}

// ScoringConfig represents the threat scoring settings
type ScoringConfig struct {
	FreeWebmailDomains []string
	BlockThreats       bool
	BlockTier          string
}

// ClassifierConfig represents the remote classifier selection
type ClassifierConfig struct {
	Provider string
	Timeout  time.Duration
}

// BedrockConfig represents the configuration for Amazon Bedrock
type BedrockConfig struct {
	Region      string
	ModelID     string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// GeminiConfig represents the configuration for Google Gemini
type GeminiConfig struct {
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
}

// OpenAIConfig represents the configuration for OpenAI compatible endpoints
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
	TopP        float32
	MaxBodySize int
	JSONMode    bool
}

// StorageConfig represents the message store settings
type StorageConfig struct {
	Type       string
	SQLitePath string
	MySQLDSN   string
	QueryLimit int
}

// UserConfig is one statically configured mailbox account
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// AuthConfig represents the authentication settings
type AuthConfig struct {
	Users       []UserConfig
	MaxFailures int
	Lockout     time.Duration
}

// RedisConfig represents the redis event sink settings
type RedisConfig struct {
	Address        string
	Password       string
	DB             int
	Channel        string
	Codec          string
	PublishTimeout time.Duration
}

// EventsConfig represents the event pipeline settings
type EventsConfig struct {
	Capacity int
	Sinks    []string
	Redis    RedisConfig
}

// GetSMTP returns the send-protocol listener configuration
func (c *Config) GetSMTP() SMTPConfig {
	return SMTPConfig{
		ListenerConfig: ListenerConfig{
			Enabled:       c.GetBool("smtp.enabled"),
			ListenAddress: c.GetString("smtp.listen_address"),
			ImplicitTLS:   c.GetBool("smtp.implicit_tls"),
		},
		MaxMessageBytes: c.GetInt("smtp.max_message_bytes"),
		MaxRecipients:   c.GetInt("smtp.max_recipients"),
	}
}

// GetIMAP returns the sync-protocol listener configuration
func (c *Config) GetIMAP() ListenerConfig {
	return ListenerConfig{
		Enabled:       c.GetBool("imap.enabled"),
		ListenAddress: c.GetString("imap.listen_address"),
		ImplicitTLS:   c.GetBool("imap.implicit_tls"),
	}
}

// GetPOP3 returns the download-protocol listener configuration
func (c *Config) GetPOP3() POP3Config {
	return POP3Config{
		ListenerConfig: ListenerConfig{
			Enabled:       c.GetBool("pop3.enabled"),
			ListenAddress: c.GetString("pop3.listen_address"),
			ImplicitTLS:   c.GetBool("pop3.implicit_tls"),
		},
		CommitDeletes: c.GetBool("pop3.commit_deletes"),
	}
}

// GetSession returns the per-session limits
func (c *Config) GetSession() (SessionConfig, error) {
	idle, err := c.GetDuration("session.idle_timeout")
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		Hostname:      c.GetString("gateway.hostname"),
		IdleTimeout:   idle,
		MaxLineLength: c.GetInt("session.max_line_length"),
	}, nil
}

// GetTLS returns the certificate configuration
func (c *Config) GetTLS() (TLSConfig, error) {
	validity, err := c.GetDuration("tls.validity")
	if err != nil {
		return TLSConfig{}, err
	}
	handshake, err := c.GetDuration("tls.handshake_timeout")
	if err != nil {
		return TLSConfig{}, err
	}
	return TLSConfig{
		Enabled:          c.GetBool("tls.enabled"),
		CertFile:         c.GetString("tls.cert_file"),
		KeyFile:          c.GetString("tls.key_file"),
		Generate:         c.GetBool("tls.generate"),
		Hosts:            c.GetStringSlice("tls.hosts"),
		Validity:         validity,
		HandshakeTimeout: handshake,
	}, nil
}

// GetScoring returns the threat scoring configuration
func (c *Config) GetScoring() ScoringConfig {
	return ScoringConfig{
		FreeWebmailDomains: c.GetStringSlice("scoring.free_webmail_domains"),
		BlockThreats:       c.GetBool("scoring.block_threats"),
		BlockTier:          c.GetString("scoring.block_tier"),
	}
}

// GetClassifier returns the classifier selection
func (c *Config) GetClassifier() (ClassifierConfig, error) {
	timeout, err := c.GetDuration("classifier.timeout")
	if err != nil {
		return ClassifierConfig{}, err
	}
	return ClassifierConfig{
		Provider: c.GetString("classifier.provider"),
		Timeout:  timeout,
	}, nil
}

// GetBedrock returns the Bedrock configuration
func (c *Config) GetBedrock() BedrockConfig {
	return BedrockConfig{
		Region:      c.GetString("bedrock.region"),
		ModelID:     c.GetString("bedrock.model_id"),
		MaxTokens:   c.GetInt("bedrock.max_tokens"),
		Temperature: float32(c.GetFloat64("bedrock.temperature")),
		TopP:        float32(c.GetFloat64("bedrock.top_p")),
		MaxBodySize: c.GetInt("bedrock.max_body_size"),
	}
}

// GetGemini returns the Gemini configuration
func (c *Config) GetGemini() GeminiConfig {
	return GeminiConfig{
		APIKey:      c.GetString("gemini.api_key"),
		ModelName:   c.GetString("gemini.model_name"),
		MaxTokens:   c.GetInt("gemini.max_tokens"),
		Temperature: float32(c.GetFloat64("gemini.temperature")),
		TopP:        float32(c.GetFloat64("gemini.top_p")),
		MaxBodySize: c.GetInt("gemini.max_body_size"),
	}
}

// GetOpenAI returns the OpenAI configuration
func (c *Config) GetOpenAI() OpenAIConfig {
	return OpenAIConfig{
		APIKey:      c.GetString("openai.api_key"),
		BaseURL:     c.GetString("openai.base_url"),
		ModelName:   c.GetString("openai.model_name"),
		MaxTokens:   c.GetInt("openai.max_tokens"),
		Temperature: float32(c.GetFloat64("openai.temperature")),
		TopP:        float32(c.GetFloat64("openai.top_p")),
		MaxBodySize: c.GetInt("openai.max_body_size"),
		JSONMode:    c.GetBool("openai.json_mode"),
	}
}

// GetStorage returns the message store configuration
func (c *Config) GetStorage() StorageConfig {
	return StorageConfig{
		Type:       c.GetString("storage.type"),
		SQLitePath: c.GetString("storage.sqlite_path"),
		MySQLDSN:   c.GetString("storage.mysql_dsn"),
		QueryLimit: c.GetInt("storage.query_limit"),
	}
}

// GetAuth returns the authentication configuration
func (c *Config) GetAuth() (AuthConfig, error) {
	lockout, err := c.GetDuration("auth.lockout")
	if err != nil {
		return AuthConfig{}, err
	}
	var users []UserConfig
	if err := c.v.UnmarshalKey("auth.users", &users); err != nil {
		return AuthConfig{}, fmt.Errorf("invalid auth.users: %w", err)
	}
	return AuthConfig{
		Users:       users,
		MaxFailures: c.GetInt("auth.max_failures"),
		Lockout:     lockout,
	}, nil
}

// GetEvents returns the event pipeline configuration
func (c *Config) GetEvents() (EventsConfig, error) {
	publishTimeout, err := c.GetDuration("events.redis.publish_timeout")
	if err != nil {
		return EventsConfig{}, err
	}
	return EventsConfig{
		Capacity: c.GetInt("events.capacity"),
		Sinks:    c.GetStringSlice("events.sinks"),
		Redis: RedisConfig{
			Address:        c.GetString("events.redis.address"),
			Password:       c.GetString("events.redis.password"),
			DB:             c.GetInt("events.redis.db"),
			Channel:        c.GetString("events.redis.channel"),
			Codec:          c.GetString("events.redis.codec"),
			PublishTimeout: publishTimeout,
		},
	}, nil
}

// MetricsConfig holds the prometheus listener settings
type MetricsConfig struct {
	ListenAddress string
}

// GetMetrics returns the metrics configuration. An empty address disables
// the listener.
func (c *Config) GetMetrics() MetricsConfig {
	return MetricsConfig{ListenAddress: c.GetString("metrics.listen_address")}
}

// GatewayConfig holds process-wide gateway settings
type GatewayConfig struct {
	Hostname        string
	ShutdownTimeout time.Duration
}

// GetGateway returns the gateway settings
func (c *Config) GetGateway() (GatewayConfig, error) {
	timeout, err := c.GetDuration("gateway.shutdown_timeout")
	if err != nil {
		return GatewayConfig{}, err
	}
	return GatewayConfig{
		Hostname:        c.GetString("gateway.hostname"),
		ShutdownTimeout: timeout,
	}, nil
}
