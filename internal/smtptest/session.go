package smtptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 10 * time.Second

// Session states for the server side of the conversation.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

type session struct {
	srv       *Server
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     int
	tlsActive bool

	mailFrom string
	rcptTo   []string
	result   Result
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:       srv,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: srv.cfg.Implicit,
	}
}

// handle runs the session until QUIT or until the client goes away.
func (s *session) handle() Result {
	defer s.conn.Close()

	if !s.override("GREETING") {
		s.writeLine("220 %s ESMTP smtptest", s.srv.cfg.Hostname)
	}

	for {
		line, err := s.readLine()
		if err != nil {
			s.result.ClientClosed = errors.Is(err, io.EOF)
			return s.result
		}
		if line == "" {
			continue
		}
		s.result.Commands = append(s.result.Commands, line)

		cmd, arg := parseCommand(line)
		if cmd == "QUIT" {
			s.result.Quit = true
			if !s.override("QUIT") {
				s.writeLine("221 Bye")
			}
			s.result.ClientClosed = s.awaitClose()
			return s.result
		}
		if s.override(cmd) {
			if cmd == "DATA" && strings.HasPrefix(s.srv.cfg.Replies[cmd], "354") {
				s.readData()
			}
			continue
		}
		if !s.handleCommand(cmd, arg) {
			return s.result
		}
	}
}

// handleCommand processes one command and returns false if the connection
// can no longer be used.
func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.mailFrom, s.rcptTo = "", nil
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	default:
		s.writeLine("500 Unrecognized command")
	}
	return true
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}
	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.srv.cfg.Hostname, arg)
	if s.srv.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.srv.auth.Enabled() {
		s.writeLine("250-AUTH %s", s.srv.auth.Mechanisms())
	}
	s.writeLine("250 8BITMIME")
}

func (s *session) handleSTARTTLS() bool {
	if s.srv.cfg.TLSConfig == nil || s.tlsActive {
		s.writeLine("454 TLS not available")
		return true
	}
	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.cfg.TLSConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(idleTimeout))
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest: tls handshake failed", "error", err)
		return false
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	return true
}

func (s *session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return true
	}
	if !s.srv.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return true
	}

	parts := strings.SplitN(arg, " ", 2)
	initial := ""
	if len(parts) > 1 {
		initial = parts[1]
	}

	var err error
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge("334"); err != nil {
				return false
			}
		}
		err = s.srv.auth.VerifyPlain(initial)
	case "LOGIN":
		user, rerr := s.challenge("334 VXNlcm5hbWU6")
		if rerr != nil {
			return false
		}
		pass, rerr := s.challenge("334 UGFzc3dvcmQ6")
		if rerr != nil {
			return false
		}
		err = s.srv.auth.VerifyLogin(user, pass)
	case "XOAUTH2":
		if initial == "" {
			if initial, err = s.challenge("334 "); err != nil {
				return false
			}
		}
		err = s.srv.auth.VerifyXOAUTH2(initial)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return true
	}

	if err != nil {
		s.writeLine("535 5.7.8 Authentication failed")
		return true
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
	return true
}

// challenge writes a 334 prompt and returns the client's response line.
func (s *session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	s.result.Commands = append(s.result.Commands, line)
	return line, nil
}

func (s *session) handleMAIL(arg string) {
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return true
	}
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	data, err := s.readData()
	if err != nil {
		return false
	}
	s.srv.store(Message{From: s.mailFrom, To: s.rcptTo, Data: data})
	s.mailFrom, s.rcptTo = "", nil
	s.state = stateGreeted
	return true
}

// readData reads a dot-terminated payload, removes dot-stuffing and writes
// the final reply.
func (s *session) readData() ([]byte, error) {
	var buf strings.Builder
	for {
		_ = s.conn.SetDeadline(time.Now().Add(idleTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
	if !s.override(".") {
		s.writeLine("250 OK message queued")
	}
	return []byte(buf.String()), nil
}

// override writes the configured reply for key, if any.
func (s *session) override(key string) bool {
	reply, ok := s.srv.cfg.Replies[key]
	if !ok {
		return false
	}
	s.writeLine("%s", reply)
	return true
}

// awaitClose reports whether the client closes its side of the connection.
func (s *session) awaitClose() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := io.Copy(io.Discard, s.reader)
	return err == nil
}

func (s *session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("smtptest: write failed", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtptest: flush failed", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	return s
}
