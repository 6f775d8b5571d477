// Package config provides environment-variable-first configuration loading
// with an optional YAML or TOML file as the base layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mailsend/internal/email"
)

const (
	defaultHost           = "localhost"
	defaultPort           = 25
	defaultTimeout        = 30 * time.Second
	defaultSendmailPath   = "/usr/sbin/sendmail"
	defaultMaxMessageSize = "25MiB"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp" toml:"smtp"`
	Sender   SenderConfig   `yaml:"sender" toml:"sender"`
	Timeouts TimeoutConfig  `yaml:"timeouts" toml:"timeouts"`
	Sendmail SendmailConfig `yaml:"sendmail" toml:"sendmail"`
	SES      SESConfig      `yaml:"ses" toml:"ses"`
	OAuth    OAuthConfig    `yaml:"oauth" toml:"oauth"`
	Graph    GraphConfig    `yaml:"graph" toml:"graph"`
	Limits   LimitsConfig   `yaml:"limits" toml:"limits"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`

	// Provider names a preset from the provider table, e.g. "GMAIL".
	Provider string `yaml:"provider" toml:"provider"`
	// Transport forces a transport by name instead of automatic selection.
	Transport string `yaml:"transport" toml:"transport"`
}

// SMTPConfig holds the relay connection settings.
type SMTPConfig struct {
	Host          string `yaml:"host" toml:"host"`
	Port          int    `yaml:"port" toml:"port"`
	Username      string `yaml:"username" toml:"username"`
	Password      string `yaml:"password" toml:"password"`
	Auth          bool   `yaml:"auth" toml:"auth"`
	Secure        string `yaml:"secure" toml:"secure"`
	AuthType      string `yaml:"auth_type" toml:"auth_type"`
	OAuthToken    string `yaml:"oauth_token" toml:"oauth_token"`
	LocalName     string `yaml:"local_name" toml:"local_name"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify" toml:"tls_skip_verify"`
	CAFile        string `yaml:"ca_file" toml:"ca_file"`
}

// SenderConfig holds the default sender used when a message has none.
type SenderConfig struct {
	From     string `yaml:"from" toml:"from"`
	FromName string `yaml:"from_name" toml:"from_name"`
}

// TimeoutConfig bounds network operations.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" toml:"connect"`
	IO      time.Duration `yaml:"io" toml:"io"`
}

// SendmailConfig configures the local submission binary.
type SendmailConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SESConfig holds AWS SES settings. Endpoint is also the SMTP host used by
// the AMAZON_SES preset.
type SESConfig struct {
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
}

// OAuthConfig holds OAuth2 client credentials. When ClientID is set and no
// static token is configured, XOAUTH2 tokens are fetched from the token
// endpoint. The Graph transport always uses these credentials.
type OAuthConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	// TokenURL overrides the Microsoft identity endpoint derived from TenantID.
	TokenURL string `yaml:"token_url" toml:"token_url"`
	// Scope overrides the default scope of the consuming transport.
	Scope string `yaml:"scope" toml:"scope"`
}

// Configured reports whether client credentials are present.
func (o OAuthConfig) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != "" && (o.TenantID != "" || o.TokenURL != "")
}

// GraphConfig configures the Microsoft Graph transport.
type GraphConfig struct {
	// BaseURL overrides https://graph.microsoft.com/v1.0.
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// SaveToSentItems keeps a copy in the sender's Sent Items folder.
	SaveToSentItems bool `yaml:"save_to_sent_items" toml:"save_to_sent_items"`
}

// LimitsConfig holds size limits as human readable strings ("25MiB").
type LimitsConfig struct {
	MaxMessageSize string `yaml:"max_message_size" toml:"max_message_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults,
// then applies the provider preset if one is named.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.applyPreset(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML (.yaml, .yml) or TOML (.toml)
// file as the base layer, then overrides with environment variables and the
// provider preset. Returns an error if the specified file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", email.ErrConfig, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported config file extension %q", email.ErrConfig, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", email.ErrConfig, err)
	}

	// Environment variables always override file values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.applyPreset(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that loading does not enforce.
func (c *Config) Validate() error {
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("%w: smtp port %d out of range", email.ErrConfig, c.SMTP.Port)
	}
	switch c.SMTP.Secure {
	case "", "tls", "ssl":
	default:
		return fmt.Errorf("%w: unsupported secure mode %q", email.ErrConfig, c.SMTP.Secure)
	}
	switch strings.ToUpper(c.SMTP.AuthType) {
	case "", "PLAIN", "LOGIN", "XOAUTH2":
	default:
		return fmt.Errorf("%w: unsupported auth type %q", email.ErrConfig, c.SMTP.AuthType)
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.IO <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", email.ErrConfig)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	return nil
}

// MaxMessageBytes parses Limits.MaxMessageSize. An empty value means no limit.
func (c *Config) MaxMessageBytes() (int64, error) {
	if c.Limits.MaxMessageSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Limits.MaxMessageSize)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid max message size %q", email.ErrConfig, c.Limits.MaxMessageSize)
	}
	return n, nil
}

// DefaultFrom returns the configured sender formatted with its display name.
func (c *Config) DefaultFrom() string {
	if c.Sender.From == "" {
		return ""
	}
	return email.Address(c.Sender.From, c.Sender.FromName)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = defaultHost
	c.SMTP.Port = defaultPort
	c.Timeouts.Connect = defaultTimeout
	c.Timeouts.IO = defaultTimeout
	c.Sendmail.Path = defaultSendmailPath
	c.Limits.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString(&c.SMTP.Host, "EMAIL_HOST")
	setString(&c.SMTP.Username, "EMAIL_USERNAME")
	setString(&c.SMTP.Password, "EMAIL_PASSWORD")
	setString(&c.SMTP.Secure, "EMAIL_SECURE")
	setString(&c.SMTP.AuthType, "EMAIL_AUTH_TYPE")
	setString(&c.SMTP.OAuthToken, "EMAIL_OAUTH_TOKEN")
	setString(&c.SMTP.LocalName, "EMAIL_LOCAL_NAME")
	setString(&c.SMTP.CAFile, "EMAIL_CA_FILE")

	setString(&c.Sender.From, "EMAIL_FROM")
	setString(&c.Sender.FromName, "EMAIL_FROM_NAME")

	setString(&c.Provider, "EMAIL_CONFIG")
	setString(&c.Transport, "EMAIL_TRANSPORT")
	setString(&c.Sendmail.Path, "EMAIL_SENDMAIL_PATH")
	setString(&c.Limits.MaxMessageSize, "EMAIL_MAX_MESSAGE_SIZE")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Endpoint, "SES_ENDPOINT")

	setString(&c.OAuth.TenantID, "EMAIL_OAUTH_TENANT_ID")
	setString(&c.OAuth.ClientID, "EMAIL_OAUTH_CLIENT_ID")
	setString(&c.OAuth.ClientSecret, "EMAIL_OAUTH_CLIENT_SECRET")
	setString(&c.OAuth.TokenURL, "EMAIL_OAUTH_TOKEN_URL")
	setString(&c.OAuth.Scope, "EMAIL_OAUTH_SCOPE")
	setString(&c.Graph.BaseURL, "GRAPH_BASE_URL")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("EMAIL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: EMAIL_PORT: %q is not a number", email.ErrConfig, v)
		}
		c.SMTP.Port = port
	}
	if err := setBool(&c.SMTP.Auth, "EMAIL_AUTH"); err != nil {
		return err
	}
	if err := setBool(&c.SMTP.TLSSkipVerify, "EMAIL_TLS_SKIP_VERIFY"); err != nil {
		return err
	}
	if err := setBool(&c.Graph.SaveToSentItems, "GRAPH_SAVE_TO_SENT_ITEMS"); err != nil {
		return err
	}
	if err := setDuration(&c.Timeouts.Connect, "EMAIL_CONNECT_TIMEOUT"); err != nil {
		return err
	}
	return setDuration(&c.Timeouts.IO, "EMAIL_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return fmt.Errorf("%w: %s: %q is not a boolean", email.ErrConfig, key, v)
	}
	*dst = b
	return nil
}

// setDuration accepts Go durations ("45s") or a plain number of seconds.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %q is not a duration", email.ErrConfig, key, v)
	}
	*dst = d
	return nil
}
