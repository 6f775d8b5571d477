package smtptest

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// maxInProcessMessage caps a single message accepted by the in-process server.
const maxInProcessMessage = 10 * units.MiB

// backend implements smtp.Backend for the in-process server. Only anonymous
// sessions are accepted.
type backend struct {
	store *MemoryStore
}

// Login implements smtp.Backend. AUTH is not offered by the in-process server.
func (be *backend) Login(_ *smtp.ConnectionState, _, _ string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// AnonymousLogin implements smtp.Backend.
func (be *backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return &memorySession{store: be.store}, nil
}

// MemoryStore keeps every delivered message. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	messages []Message
}

// Messages returns the messages delivered so far.
func (ms *MemoryStore) Messages() []Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]Message(nil), ms.messages...)
}

func (ms *MemoryStore) save(m Message) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = append(ms.messages, m)
}

// memorySession implements smtp.Session, collecting one transaction at a time.
type memorySession struct {
	store *MemoryStore
	from  string
	to    []string
}

func (s *memorySession) Reset() {
	s.from, s.to = "", nil
}

func (s *memorySession) Logout() error { return nil }

func (s *memorySession) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *memorySession) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

func (s *memorySession) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxInProcessMessage))
	if err != nil {
		return err
	}
	s.store.save(Message{From: s.from, To: s.to, Data: buf})
	return nil
}

// InProcessServer is a go-smtp server running inside the test process on a
// loopback port, storing delivered messages in memory.
type InProcessServer struct {
	*smtp.Server
	*MemoryStore

	listener net.Listener
}

// NewInProcessServer starts an InProcessServer and registers its shutdown
// with t.Cleanup.
func NewInProcessServer(t testing.TB) *InProcessServer {
	t.Helper()
	store := &MemoryStore{}

	srv := smtp.NewServer(&backend{store: store})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.MaxMessageBytes = maxInProcessMessage

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}
	srv.Addr = ln.Addr().String()

	ip := &InProcessServer{Server: srv, MemoryStore: store, listener: ln}
	go func() {
		// Serve returns once Close is called from the cleanup.
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { srv.Close() })
	return ip
}

// Host returns the listener IP.
func (ip *InProcessServer) Host() string {
	host, _, _ := net.SplitHostPort(ip.listener.Addr().String())
	return host
}

// Port returns the listener port.
func (ip *InProcessServer) Port() int {
	return ip.listener.Addr().(*net.TCPAddr).Port
}
