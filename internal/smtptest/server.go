// Package smtptest provides SMTP servers for exercising the client in tests:
// a scripted server that records every command and can be told to fail
// specific steps, and an in-process go-smtp backend.
package smtptest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// waitTimeout bounds how long helpers wait for a session to finish.
const waitTimeout = 5 * time.Second

// Config configures a scripted Server.
type Config struct {
	// Hostname is used in the greeting and EHLO reply.
	Hostname string

	// TLSConfig enables STARTTLS. With Implicit set, every connection is TLS
	// from the first byte instead.
	TLSConfig *tls.Config
	Implicit  bool

	// Username, Password and Token configure AUTH LOGIN/PLAIN and XOAUTH2.
	Username string
	Password string
	Token    string

	// Replies overrides the reply to a verb ("GREETING" for the banner,
	// "EHLO", "MAIL", "RCPT", "DATA", "AUTH", "STARTTLS", "QUIT" or "."
	// for the end of message data). The override is written verbatim, so
	// multi-line replies use "\r\n" between lines.
	Replies map[string]string
}

// Message is one message accepted by the server.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Result summarizes a finished client session.
type Result struct {
	Commands []string
	// Quit is true when the client sent QUIT.
	Quit bool
	// ClientClosed is true when the client closed the connection itself.
	ClientClosed bool
}

// Server is a scripted SMTP server listening on 127.0.0.1.
type Server struct {
	cfg      Config
	auth     *Authenticator
	listener net.Listener

	mu       sync.Mutex
	messages []Message

	results chan Result
	wg      sync.WaitGroup
}

// NewServer starts a Server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "mx.test.local"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}
	if cfg.Implicit {
		if cfg.TLSConfig == nil {
			t.Fatalf("smtptest: implicit tls requires a TLSConfig")
		}
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}

	s := &Server{
		cfg:      cfg,
		auth:     NewAuthenticator(cfg.Username, cfg.Password, cfg.Token),
		listener: ln,
		results:  make(chan Result, 16),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r := newSession(s, conn).handle()
			select {
			case s.results <- r:
			default:
			}
		}()
	}
}

// Close stops the listener and waits for running sessions.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Wait blocks until the next session ends and returns its summary.
func (s *Server) Wait(t testing.TB) Result {
	t.Helper()
	select {
	case r := <-s.results:
		return r
	case <-time.After(waitTimeout):
		t.Fatalf("smtptest: no session finished within %s", waitTimeout)
		return Result{}
	}
}

func (s *Server) store(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	slog.Debug("smtptest: message accepted", "from", m.From, "rcpts", len(m.To), "size", len(m.Data))
}
