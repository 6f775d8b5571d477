package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shineum/mailsend/internal/email"
)

var envVars = []string{
	"EMAIL_HOST", "EMAIL_PORT", "EMAIL_USERNAME", "EMAIL_PASSWORD", "EMAIL_AUTH",
	"EMAIL_SECURE", "EMAIL_FROM", "EMAIL_FROM_NAME", "EMAIL_AUTH_TYPE",
	"EMAIL_OAUTH_TOKEN", "EMAIL_CONFIG", "EMAIL_TRANSPORT", "EMAIL_LOCAL_NAME",
	"EMAIL_CONNECT_TIMEOUT", "EMAIL_TIMEOUT", "EMAIL_TLS_SKIP_VERIFY",
	"EMAIL_CA_FILE", "EMAIL_SENDMAIL_PATH", "EMAIL_MAX_MESSAGE_SIZE",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_ENDPOINT",
	"EMAIL_OAUTH_TENANT_ID", "EMAIL_OAUTH_CLIENT_ID", "EMAIL_OAUTH_CLIENT_SECRET",
	"EMAIL_OAUTH_TOKEN_URL", "EMAIL_OAUTH_SCOPE", "GRAPH_BASE_URL",
	"GRAPH_SAVE_TO_SENT_ITEMS", "LOG_LEVEL",
}

// clearEnv blanks every variable Load reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Host != "localhost" {
		t.Errorf("SMTP.Host: got %q, want %q", cfg.SMTP.Host, "localhost")
	}
	if cfg.SMTP.Port != 25 {
		t.Errorf("SMTP.Port: got %d, want 25", cfg.SMTP.Port)
	}
	if cfg.SMTP.Auth {
		t.Error("SMTP.Auth: got true, want false")
	}
	if cfg.SMTP.Secure != "" {
		t.Errorf("SMTP.Secure: got %q, want empty", cfg.SMTP.Secure)
	}
	if cfg.Timeouts.Connect != 30*time.Second || cfg.Timeouts.IO != 30*time.Second {
		t.Errorf("Timeouts: got %v/%v, want 30s/30s", cfg.Timeouts.Connect, cfg.Timeouts.IO)
	}
	if cfg.Sendmail.Path != "/usr/sbin/sendmail" {
		t.Errorf("Sendmail.Path: got %q", cfg.Sendmail.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	size, err := cfg.MaxMessageBytes()
	if err != nil || size != 25*1024*1024 {
		t.Errorf("MaxMessageBytes: got %d, %v, want %d", size, err, 25*1024*1024)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_HOST", "mail.example.com")
	t.Setenv("EMAIL_PORT", "465")
	t.Setenv("EMAIL_USERNAME", "admin")
	t.Setenv("EMAIL_PASSWORD", "secret123")
	t.Setenv("EMAIL_AUTH", "true")
	t.Setenv("EMAIL_SECURE", "ssl")
	t.Setenv("EMAIL_FROM", "noreply@example.com")
	t.Setenv("EMAIL_FROM_NAME", "Example")
	t.Setenv("EMAIL_AUTH_TYPE", "plain")
	t.Setenv("EMAIL_LOCAL_NAME", "client.example.com")
	t.Setenv("EMAIL_CONNECT_TIMEOUT", "5")
	t.Setenv("EMAIL_TIMEOUT", "1m30s")
	t.Setenv("EMAIL_TLS_SKIP_VERIFY", "1")
	t.Setenv("EMAIL_TRANSPORT", "stdout")
	t.Setenv("EMAIL_SENDMAIL_PATH", "/opt/bin/sendmail")
	t.Setenv("EMAIL_MAX_MESSAGE_SIZE", "10MB")
	t.Setenv("SES_REGION", "eu-west-1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Host != "mail.example.com" {
		t.Errorf("SMTP.Host: got %q", cfg.SMTP.Host)
	}
	if cfg.SMTP.Port != 465 {
		t.Errorf("SMTP.Port: got %d, want 465", cfg.SMTP.Port)
	}
	if !cfg.SMTP.Auth {
		t.Error("SMTP.Auth: got false, want true")
	}
	if cfg.SMTP.Secure != "ssl" {
		t.Errorf("SMTP.Secure: got %q, want ssl", cfg.SMTP.Secure)
	}
	if cfg.SMTP.Username != "admin" || cfg.SMTP.Password != "secret123" {
		t.Errorf("credentials: got %q/%q", cfg.SMTP.Username, cfg.SMTP.Password)
	}
	if cfg.SMTP.LocalName != "client.example.com" {
		t.Errorf("SMTP.LocalName: got %q", cfg.SMTP.LocalName)
	}
	if !cfg.SMTP.TLSSkipVerify {
		t.Error("SMTP.TLSSkipVerify: got false, want true")
	}
	if cfg.Timeouts.Connect != 5*time.Second {
		t.Errorf("Timeouts.Connect: got %v, want 5s", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.IO != 90*time.Second {
		t.Errorf("Timeouts.IO: got %v, want 1m30s", cfg.Timeouts.IO)
	}
	if cfg.Transport != "stdout" {
		t.Errorf("Transport: got %q", cfg.Transport)
	}
	if cfg.Sendmail.Path != "/opt/bin/sendmail" {
		t.Errorf("Sendmail.Path: got %q", cfg.Sendmail.Path)
	}
	if size, _ := cfg.MaxMessageBytes(); size != 10*1024*1024 {
		t.Errorf("MaxMessageBytes: got %d", size)
	}
	if cfg.SES.Region != "eu-west-1" {
		t.Errorf("SES.Region: got %q", cfg.SES.Region)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if got := cfg.DefaultFrom(); got != "Example <noreply@example.com>" {
		t.Errorf("DefaultFrom: got %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"EMAIL_PORT", "smtp"},
		{"EMAIL_AUTH", "maybe"},
		{"EMAIL_TLS_SKIP_VERIFY", "perhaps"},
		{"EMAIL_CONNECT_TIMEOUT", "soon"},
		{"EMAIL_TIMEOUT", "-"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if !errors.Is(err, email.ErrConfig) {
				t.Errorf("got %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoad_Presets(t *testing.T) {
	tests := []struct {
		preset   string
		host     string
		port     int
		secure   string
		authType string
	}{
		{"GMAIL", "smtp.gmail.com", 587, "tls", ""},
		{"gmail", "smtp.gmail.com", 587, "tls", ""},
		{"OUTLOOK", "smtp.office365.com", 587, "tls", "XOAUTH2"},
		{"HOTMAIL", "smtp.office365.com", 587, "tls", "XOAUTH2"},
		{"OFFICE365", "smtp.office365.com", 587, "tls", "XOAUTH2"},
		{"YAHOO", "smtp.mail.yahoo.com", 587, "tls", ""},
		{"ZOHO", "smtp.zoho.com", 587, "tls", ""},
		{"SENDGRID", "smtp.sendgrid.net", 587, "tls", ""},
		{"MAILGUN", "smtp.mailgun.org", 587, "tls", ""},
		{"MAILTRAP", "sandbox.smtp.mailtrap.io", 2525, "", ""},
		{"AMAZON_SES", "email-smtp.us-east-1.amazonaws.com", 587, "tls", ""},
	}
	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("EMAIL_CONFIG", tt.preset)
			// The preset is applied last and wins over these.
			t.Setenv("EMAIL_HOST", "ignored.example.com")
			t.Setenv("EMAIL_PORT", "2500")
			t.Setenv("EMAIL_SECURE", "ssl")
			t.Setenv("EMAIL_USERNAME", "kept")

			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.SMTP.Host != tt.host {
				t.Errorf("Host: got %q, want %q", cfg.SMTP.Host, tt.host)
			}
			if cfg.SMTP.Port != tt.port {
				t.Errorf("Port: got %d, want %d", cfg.SMTP.Port, tt.port)
			}
			if cfg.SMTP.Secure != tt.secure {
				t.Errorf("Secure: got %q, want %q", cfg.SMTP.Secure, tt.secure)
			}
			if cfg.SMTP.AuthType != tt.authType {
				t.Errorf("AuthType: got %q, want %q", cfg.SMTP.AuthType, tt.authType)
			}
			if !cfg.SMTP.Auth {
				t.Error("Auth: presets always enable authentication")
			}
			if cfg.SMTP.Username != "kept" {
				t.Errorf("Username: got %q, preset must not touch credentials", cfg.SMTP.Username)
			}
		})
	}
}

func TestLoad_AmazonSESEndpoint(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_CONFIG", "AMAZON_SES")
	t.Setenv("SES_ENDPOINT", "email-smtp.eu-central-1.amazonaws.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Host != "email-smtp.eu-central-1.amazonaws.com" {
		t.Errorf("Host: got %q", cfg.SMTP.Host)
	}
}

func TestLoad_UnknownPreset(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_CONFIG", "CARRIER_PIGEON")

	_, err := Load()
	if !errors.Is(err, email.ErrConfig) {
		t.Errorf("got %v, want ErrConfig", err)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_PASSWORD", "from-env")

	path := filepath.Join(t.TempDir(), "mailsend.yaml")
	content := `smtp:
  host: relay.example.com
  port: 2525
  username: yamluser
  password: yamlpass
  auth: true
  secure: tls
sender:
  from: app@example.com
  from_name: App
timeouts:
  connect: 10s
  io: 45s
limits:
  max_message_size: 5MiB
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Host != "relay.example.com" || cfg.SMTP.Port != 2525 {
		t.Errorf("relay: got %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.SMTP.Username != "yamluser" {
		t.Errorf("Username: got %q", cfg.SMTP.Username)
	}
	// Environment variables always override file values.
	if cfg.SMTP.Password != "from-env" {
		t.Errorf("Password: got %q, want env override", cfg.SMTP.Password)
	}
	if !cfg.SMTP.Auth || cfg.SMTP.Secure != "tls" {
		t.Errorf("Auth/Secure: got %v/%q", cfg.SMTP.Auth, cfg.SMTP.Secure)
	}
	if cfg.Timeouts.Connect != 10*time.Second || cfg.Timeouts.IO != 45*time.Second {
		t.Errorf("Timeouts: got %v/%v", cfg.Timeouts.Connect, cfg.Timeouts.IO)
	}
	if size, _ := cfg.MaxMessageBytes(); size != 5*1024*1024 {
		t.Errorf("MaxMessageBytes: got %d", size)
	}
	if cfg.Sendmail.Path != "/usr/sbin/sendmail" {
		t.Errorf("Sendmail.Path default lost: got %q", cfg.Sendmail.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q", cfg.Logging.Level)
	}
	if cfg.DefaultFrom() != "App <app@example.com>" {
		t.Errorf("DefaultFrom: got %q", cfg.DefaultFrom())
	}
}

func TestLoadFromFile_TOML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "mailsend.toml")
	content := `provider = "gmail"
transport = "smtp"

[smtp]
host = "ignored.example.com"
username = "tomluser"
password = "tomlpass"

[timeouts]
connect = "3s"
io = "7s"

[ses]
region = "us-west-2"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Host != "smtp.gmail.com" || cfg.SMTP.Port != 587 {
		t.Errorf("preset from file not applied: got %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.SMTP.Username != "tomluser" || cfg.SMTP.Password != "tomlpass" {
		t.Errorf("credentials: got %q/%q", cfg.SMTP.Username, cfg.SMTP.Password)
	}
	if cfg.Transport != "smtp" {
		t.Errorf("Transport: got %q", cfg.Transport)
	}
	if cfg.Timeouts.Connect != 3*time.Second || cfg.Timeouts.IO != 7*time.Second {
		t.Errorf("Timeouts: got %v/%v", cfg.Timeouts.Connect, cfg.Timeouts.IO)
	}
	if cfg.SES.Region != "us-west-2" {
		t.Errorf("SES.Region: got %q", cfg.SES.Region)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml")); !errors.Is(err, email.ErrConfig) {
		t.Errorf("missing file: got %v, want ErrConfig", err)
	}

	ini := filepath.Join(dir, "mailsend.ini")
	if err := os.WriteFile(ini, []byte("host=x"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadFromFile(ini); !errors.Is(err, email.ErrConfig) {
		t.Errorf("unknown extension: got %v, want ErrConfig", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("smtp: [unclosed"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadFromFile(bad); !errors.Is(err, email.ErrConfig) {
		t.Errorf("malformed yaml: got %v, want ErrConfig", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.SMTP.Port = 0 }},
		{"port too large", func(c *Config) { c.SMTP.Port = 65536 }},
		{"secure mode", func(c *Config) { c.SMTP.Secure = "starttls" }},
		{"auth type", func(c *Config) { c.SMTP.AuthType = "CRAM-MD5" }},
		{"connect timeout", func(c *Config) { c.Timeouts.Connect = 0 }},
		{"io timeout", func(c *Config) { c.Timeouts.IO = -time.Second }},
		{"message size", func(c *Config) { c.Limits.MaxMessageSize = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, email.ErrConfig) {
				t.Errorf("got %v, want ErrConfig", err)
			}
		})
	}
}

func TestPresetNames(t *testing.T) {
	want := map[string]Preset{
		"GMAIL":      {Host: "smtp.gmail.com", Port: 587, Secure: "tls"},
		"OUTLOOK":    {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
		"HOTMAIL":    {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
		"OFFICE365":  {Host: "smtp.office365.com", Port: 587, Secure: "tls", AuthType: "XOAUTH2"},
		"YAHOO":      {Host: "smtp.mail.yahoo.com", Port: 587, Secure: "tls"},
		"ZOHO":       {Host: "smtp.zoho.com", Port: 587, Secure: "tls"},
		"SENDGRID":   {Host: "smtp.sendgrid.net", Port: 587, Secure: "tls"},
		"MAILGUN":    {Host: "smtp.mailgun.org", Port: 587, Secure: "tls"},
		"MAILTRAP":   {Host: "sandbox.smtp.mailtrap.io", Port: 2525},
		"AMAZON_SES": {Host: "email-smtp.us-east-1.amazonaws.com", Port: 587, Secure: "tls"},
	}

	names := PresetNames()
	if len(names) != len(want) {
		t.Fatalf("got %d presets %v, want %d", len(names), names, len(want))
	}
	for _, name := range names {
		if _, ok := want[name]; !ok {
			t.Errorf("unexpected preset %q", name)
		}
	}
	for name, p := range want {
		got, ok := LookupPreset(name)
		if !ok {
			t.Errorf("preset %q missing", name)
			continue
		}
		if got != p {
			t.Errorf("preset %q: got %+v, want %+v", name, got, p)
		}
	}
	if names[0] != "AMAZON_SES" {
		t.Errorf("names not sorted: %v", names)
	}
	if _, ok := LookupPreset(" zoho "); !ok {
		t.Error("LookupPreset should trim and ignore case")
	}
}

func TestLoad_OAuthAndGraphEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("EMAIL_OAUTH_TENANT_ID", "contoso")
	t.Setenv("EMAIL_OAUTH_CLIENT_ID", "cid")
	t.Setenv("EMAIL_OAUTH_CLIENT_SECRET", "csecret")
	t.Setenv("GRAPH_BASE_URL", "http://127.0.0.1:9999/v1.0")
	t.Setenv("GRAPH_SAVE_TO_SENT_ITEMS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.OAuth.Configured() {
		t.Errorf("OAuth should be configured: %+v", cfg.OAuth)
	}
	if cfg.Graph.BaseURL != "http://127.0.0.1:9999/v1.0" || !cfg.Graph.SaveToSentItems {
		t.Errorf("Graph: got %+v", cfg.Graph)
	}

	t.Setenv("GRAPH_SAVE_TO_SENT_ITEMS", "maybe")
	if _, err := Load(); !errors.Is(err, email.ErrConfig) {
		t.Errorf("invalid bool: got %v, want ErrConfig", err)
	}
}

func TestOAuthConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  OAuthConfig
		want bool
	}{
		{"empty", OAuthConfig{}, false},
		{"tenant", OAuthConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}, true},
		{"token url", OAuthConfig{TokenURL: "http://x", ClientID: "c", ClientSecret: "s"}, true},
		{"no secret", OAuthConfig{TenantID: "t", ClientID: "c"}, false},
		{"no endpoint", OAuthConfig{ClientID: "c", ClientSecret: "s"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
