package smtp

import (
	"fmt"
	"strings"

	"github.com/shineum/mailsend/internal/email"
)

// AuthType selects the AUTH mechanism.
type AuthType string

const (
	// AuthLogin is AUTH LOGIN, used for the "plain" (username/password) mode.
	AuthLogin AuthType = "LOGIN"
	// AuthXOAUTH2 authenticates with a bearer token.
	AuthXOAUTH2 AuthType = "XOAUTH2"
)

// ParseAuthType maps a configuration value to an AuthType. An empty value,
// "plain" and "login" all select AUTH LOGIN.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PLAIN", "LOGIN":
		return AuthLogin, nil
	case "XOAUTH2":
		return AuthXOAUTH2, nil
	default:
		return "", fmt.Errorf("%w: unsupported auth type %q", email.ErrConfig, s)
	}
}

// mechanism is a client-side AUTH exchange: the AUTH command is sent, then
// each response in turn, with one server reply read after every line.
type mechanism interface {
	Name() string
	Responses() [][]byte
}

type loginAuth struct {
	username string
	password string
}

func (a loginAuth) Name() string { return "LOGIN" }

func (a loginAuth) Responses() [][]byte {
	return [][]byte{[]byte(a.username), []byte(a.password)}
}

type xoauth2Auth struct {
	username string
	token    string
}

func (a xoauth2Auth) Name() string { return "XOAUTH2" }

// Responses returns the single SASL XOAUTH2 initial client response.
func (a xoauth2Auth) Responses() [][]byte {
	return [][]byte{[]byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01")}
}

func newMechanism(cfg Config) (mechanism, error) {
	switch cfg.AuthType {
	case AuthXOAUTH2:
		if cfg.OAuthToken == "" {
			return nil, fmt.Errorf("%w: XOAUTH2 selected but no OAuth token supplied", email.ErrAuthConfig)
		}
		return xoauth2Auth{username: cfg.Username, token: cfg.OAuthToken}, nil
	case AuthLogin, "":
		return loginAuth{username: cfg.Username, password: cfg.Password}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported auth type %q", email.ErrAuthConfig, cfg.AuthType)
	}
}
