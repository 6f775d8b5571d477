package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/oauth"
	"github.com/shineum/mailsend/internal/smtp"
	mailtls "github.com/shineum/mailsend/internal/tls"
)

// SMTP delivers each message over a fresh SMTP session.
type SMTP struct {
	renderer
	session smtp.Config
	// tokens is set when XOAUTH2 tokens come from client credentials.
	tokens *oauth.TokenSource
	logger *slog.Logger
}

// NewSMTP builds an SMTP transport from cfg. Configuration problems,
// including XOAUTH2 without a token, are reported here rather than on the
// first Send. XOAUTH2 without a static token fetches one per message when
// OAuth client credentials are configured.
func NewSMTP(cfg *config.Config, opts Options) (*SMTP, error) {
	opts, err := opts.resolve(cfg)
	if err != nil {
		return nil, err
	}

	security, err := smtp.ParseSecurity(cfg.SMTP.Secure)
	if err != nil {
		return nil, err
	}
	authType, err := smtp.ParseAuthType(cfg.SMTP.AuthType)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := mailtls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile, cfg.SMTP.TLSSkipVerify)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With("transport", NameSMTP)
	sc := smtp.Config{
		Host:           cfg.SMTP.Host,
		Port:           cfg.SMTP.Port,
		Security:       security,
		Auth:           cfg.SMTP.Auth,
		AuthType:       authType,
		Username:       cfg.SMTP.Username,
		Password:       cfg.SMTP.Password,
		OAuthToken:     cfg.SMTP.OAuthToken,
		LocalName:      cfg.SMTP.LocalName,
		ConnectTimeout: opts.ConnectTimeout,
		IOTimeout:      opts.IOTimeout,
		TLSConfig:      tlsConfig,
		Logger:         logger,
	}

	var tokens *oauth.TokenSource
	if sc.Auth && authType == smtp.AuthXOAUTH2 && sc.OAuthToken == "" && cfg.OAuth.Configured() {
		tokens, err = tokenSource(cfg.OAuth, oauth.ScopeSMTP, &http.Client{Timeout: opts.IOTimeout})
		if err != nil {
			return nil, err
		}
	}

	// A throwaway session validates the settings without connecting.
	check := sc
	if tokens != nil {
		check.OAuthToken = "pending"
	}
	if _, err := smtp.NewSession(check); err != nil {
		return nil, err
	}

	return &SMTP{
		renderer: renderer{defaultFrom: cfg.DefaultFrom(), maxSize: opts.MaxMessageSize},
		session:  sc,
		tokens:   tokens,
		logger:   logger,
	}, nil
}

// Send renders msg and runs one complete SMTP session for it.
func (t *SMTP) Send(ctx context.Context, msg *email.Message) error {
	r, err := t.render(msg)
	if err != nil {
		return err
	}

	sc := t.session
	if t.tokens != nil {
		token, err := t.tokens.Token(ctx)
		if err != nil {
			t.logger.Error("oauth token acquisition failed", "error", err)
			return err
		}
		sc.OAuthToken = token
	}

	sess, err := smtp.NewSession(sc)
	if err != nil {
		return err
	}
	if err := sess.Send(ctx, r.env, r.data); err != nil {
		t.logger.Error("smtp delivery failed", "addr", sess.Addr(), "error", err)
		return err
	}
	logSent(t.logger, NameSMTP, r)
	return nil
}

// Name returns the transport name.
func (t *SMTP) Name() string {
	return NameSMTP
}

// tokenSource builds a client credentials token source from cfg. The token
// URL defaults to the Microsoft endpoint of the configured tenant.
func tokenSource(cfg config.OAuthConfig, defaultScope string, client *http.Client) (*oauth.TokenSource, error) {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = oauth.MicrosoftTokenURL(cfg.TenantID)
	}
	scope := cfg.Scope
	if scope == "" {
		scope = defaultScope
	}
	return oauth.NewTokenSource(oauth.Credentials{
		TokenURL:     tokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        scope,
	}, client)
}
