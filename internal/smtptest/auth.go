package smtptest

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator verifies client AUTH exchanges against fixed credentials.
type Authenticator struct {
	username string
	password string
	token    string
}

// NewAuthenticator creates an Authenticator. Authentication is disabled when
// no password and no token are configured.
func NewAuthenticator(username, password, token string) *Authenticator {
	return &Authenticator{username: username, password: password, token: token}
}

// Enabled returns true if credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.password != "" || a.token != ""
}

// Mechanisms returns the AUTH keywords advertised in the EHLO reply.
func (a *Authenticator) Mechanisms() string {
	var mechs []string
	if a.password != "" {
		mechs = append(mechs, "PLAIN", "LOGIN")
	}
	if a.token != "" {
		mechs = append(mechs, "XOAUTH2")
	}
	return strings.Join(mechs, " ")
}

// VerifyPlain decodes and verifies an AUTH PLAIN response: base64(\0user\0pass).
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}
	if parts[1] != a.username || parts[2] != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// VerifyLogin verifies base64 encoded AUTH LOGIN credentials.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}
	if a.password == "" || string(user) != a.username || string(pass) != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// VerifyXOAUTH2 verifies a base64 encoded "user=U\x01auth=Bearer T\x01\x01"
// initial response.
func (a *Authenticator) VerifyXOAUTH2(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}
	want := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	if a.token == "" || string(decoded) != want {
		return fmt.Errorf("authentication failed")
	}
	return nil
}
