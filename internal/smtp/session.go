// Package smtp implements the client side of an SMTP delivery: reply
// parsing, the session state machine, STARTTLS / implicit TLS, AUTH LOGIN and
// AUTH XOAUTH2.
package smtp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/shineum/mailsend/internal/email"
)

// Security selects how the connection is protected.
type Security string

const (
	SecurityNone Security = ""
	// SecurityTLS upgrades a plaintext connection with STARTTLS.
	SecurityTLS Security = "tls"
	// SecuritySSL uses implicit TLS from the first byte.
	SecuritySSL Security = "ssl"
)

// ParseSecurity maps a configuration value to a Security mode.
func ParseSecurity(s string) (Security, error) {
	switch Security(s) {
	case SecurityNone, SecurityTLS, SecuritySSL:
		return Security(s), nil
	default:
		return "", fmt.Errorf("%w: unsupported secure mode %q", email.ErrConfig, s)
	}
}

const (
	defaultTimeout   = 30 * time.Second
	defaultLocalName = "localhost"
)

// Config holds everything a Session needs. It is never modified.
type Config struct {
	Host     string
	Port     int
	Security Security

	Auth       bool
	AuthType   AuthType
	Username   string
	Password   string
	OAuthToken string

	// LocalName is sent with EHLO. Defaults to the host name, or "localhost".
	LocalName string

	// ConnectTimeout bounds dialing (and the implicit TLS handshake).
	ConnectTimeout time.Duration
	// IOTimeout bounds every subsequent read and write.
	IOTimeout time.Duration

	// TLSConfig is used for STARTTLS and implicit TLS. When nil a default
	// config verifying Host is used.
	TLSConfig *tls.Config

	// Dialer overrides the network dialer, mainly for tests.
	Dialer *net.Dialer

	Logger *slog.Logger
}

// Session is a single-use SMTP conversation owning one connection.
type Session struct {
	cfg    Config
	mech   mechanism
	state  State
	conn   *conn
	used   bool
	broken bool
	logger *slog.Logger
}

// NewSession validates cfg and returns a disconnected session. An XOAUTH2
// configuration without a token fails here, before any connection exists.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: smtp host is required", email.ErrConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid smtp port %d", email.ErrConfig, cfg.Port)
	}
	if _, err := ParseSecurity(string(cfg.Security)); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = localHostname()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:    cfg,
		state:  StateDisconnected,
		logger: cfg.Logger.With("host", cfg.Host, "port", cfg.Port),
	}
	if cfg.Auth {
		mech, err := newMechanism(cfg)
		if err != nil {
			return nil, err
		}
		s.mech = mech
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Addr returns host:port.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Send runs the whole conversation for one message and always closes the
// connection before returning.
func (s *Session) Send(ctx context.Context, env Envelope, data []byte) (err error) {
	defer func() {
		if cerr := s.Close(); err == nil && cerr != nil {
			s.logger.Debug("closing smtp session", "error", cerr)
		}
	}()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Greet(); err != nil {
		return err
	}
	if s.cfg.Security == SecurityTLS {
		if err := s.StartTLS(); err != nil {
			return err
		}
	}
	if err := s.Authenticate(); err != nil {
		return err
	}
	return s.Deliver(env, data)
}

// Connect dials the server. With SecuritySSL the TLS handshake happens here.
func (s *Session) Connect(ctx context.Context) error {
	if s.used {
		return fmt.Errorf("%w: smtp session already used", email.ErrPrecondition)
	}
	if err := s.transition(StateConnected, StateDisconnected); err != nil {
		return err
	}
	s.used = true

	dialer := s.cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	d := *dialer
	d.Timeout = s.cfg.ConnectTimeout

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	addr := s.Addr()
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.state = StateDisconnected
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %w: could not connect to %s: %w", email.ErrConnection, email.ErrTimeout, addr, err)
		}
		return fmt.Errorf("%w: could not connect to %s: %w", email.ErrConnection, addr, err)
	}

	if s.cfg.Security == SecuritySSL {
		tc := tls.Client(nc, s.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			s.state = StateDisconnected
			return fmt.Errorf("%w: implicit tls with %s: %w", email.ErrTLS, addr, err)
		}
		nc = tc
	}

	s.conn = newConn(nc, s.cfg.IOTimeout, s.logger)
	s.logger.Debug("smtp connected", "security", string(s.cfg.Security))
	return nil
}

// Greet reads the banner, which must be 2xx, and sends EHLO.
func (s *Session) Greet() error {
	if err := s.transition(StateGreeted, StateConnected); err != nil {
		return err
	}
	reply, err := s.conn.readReply("")
	if err != nil {
		return s.fail(err)
	}
	if reply.Code/100 != 2 {
		return s.fail(&Error{Code: reply.Code, Text: reply.Text()})
	}
	return s.ehlo()
}

// StartTLS upgrades the plaintext connection and re-issues EHLO. A failed
// handshake is fatal; there is no fallback to plaintext.
func (s *Session) StartTLS() error {
	if err := s.transition(StateTLSNegotiated, StateGreeted); err != nil {
		return err
	}
	if _, err := s.conn.cmd("STARTTLS", "STARTTLS"); err != nil {
		return s.fail(err)
	}

	tc := tls.Client(s.conn.nc, s.tlsConfig())
	if err := s.conn.setDeadline(); err != nil {
		return s.fail(err)
	}
	if err := tc.Handshake(); err != nil {
		s.broken = true
		return fmt.Errorf("%w: starttls with %s: %w", email.ErrTLS, s.Addr(), err)
	}
	s.conn.replace(tc)
	s.logger.Debug("smtp connection upgraded to tls")
	return s.ehlo()
}

// Authenticate runs the configured AUTH exchange. Without authentication
// enabled it only advances the state.
func (s *Session) Authenticate() error {
	if err := s.transition(StateAuthenticated, StateGreeted, StateTLSNegotiated); err != nil {
		return err
	}
	if s.mech == nil {
		return nil
	}

	verb := "AUTH " + s.mech.Name()
	if _, err := s.conn.cmd(verb, verb); err != nil {
		return s.fail(err)
	}
	for _, resp := range s.mech.Responses() {
		if err := s.conn.writeLine(base64.StdEncoding.EncodeToString(resp), true); err != nil {
			return s.fail(fmt.Errorf("smtp: %s: %w", verb, err))
		}
		if _, err := s.conn.readReply(verb); err != nil {
			return s.fail(err)
		}
	}
	s.logger.Debug("smtp authenticated", "mechanism", s.mech.Name())
	return nil
}

// Deliver sends MAIL FROM, one RCPT TO per recipient, DATA and the message.
func (s *Session) Deliver(env Envelope, data []byte) error {
	if err := s.transition(StateSending, StateAuthenticated); err != nil {
		return err
	}
	if len(env.To) == 0 {
		return fmt.Errorf("%w: no recipients", email.ErrPrecondition)
	}

	if _, err := s.conn.cmd("MAIL FROM", "MAIL FROM:<"+env.From+">"); err != nil {
		return s.fail(err)
	}
	for _, rcpt := range env.To {
		if _, err := s.conn.cmd("RCPT TO", "RCPT TO:<"+rcpt+">"); err != nil {
			return s.fail(err)
		}
	}
	reply, err := s.conn.cmd("DATA", "DATA")
	if err != nil {
		return s.fail(err)
	}
	if reply.Code != 354 {
		return s.fail(&Error{Command: "DATA", Code: reply.Code, Text: reply.Text()})
	}
	if err := s.conn.writeData(data); err != nil {
		return s.fail(fmt.Errorf("smtp: DATA: %w", err))
	}
	if _, err := s.conn.readReply("DATA"); err != nil {
		return s.fail(err)
	}
	return nil
}

// Close sends QUIT when the connection is still usable and closes it. It is
// safe to call more than once.
func (s *Session) Close() error {
	if s.conn == nil {
		s.state = StateDisconnected
		return nil
	}
	s.state = StateClosing
	if !s.broken {
		if err := s.conn.writeLine("QUIT", false); err == nil {
			_, _ = s.conn.readReply("QUIT")
		}
	}
	err := s.conn.close()
	s.conn = nil
	s.state = StateDisconnected
	return err
}

// transition moves to next if the current state is one of from.
func (s *Session) transition(next State, from ...State) error {
	for _, f := range from {
		if s.state == f {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: smtp: cannot enter %s from %s", email.ErrPrecondition, next, s.state)
}

// fail records whether the connection can still carry a QUIT.
func (s *Session) fail(err error) error {
	var se *Error
	if !errors.As(err, &se) {
		s.broken = true
	}
	return err
}

func (s *Session) ehlo() error {
	if _, err := s.conn.cmd("EHLO", "EHLO "+s.cfg.LocalName); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) tlsConfig() *tls.Config {
	if s.cfg.TLSConfig != nil {
		c := s.cfg.TLSConfig.Clone()
		if c.ServerName == "" && !c.InsecureSkipVerify {
			c.ServerName = s.cfg.Host
		}
		return c
	}
	return &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
}

func localHostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return defaultLocalName
}
