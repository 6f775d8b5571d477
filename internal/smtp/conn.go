package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/shineum/mailsend/internal/email"
)

// dataChunkSize is how much of a DATA payload is written under one I/O
// deadline.
const dataChunkSize = 64 << 10

// conn wraps a net.Conn with buffered line I/O. Every read and write is
// bounded by ioTimeout.
type conn struct {
	nc        net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	ioTimeout time.Duration
	logger    *slog.Logger
}

func newConn(nc net.Conn, ioTimeout time.Duration, logger *slog.Logger) *conn {
	return &conn{
		nc:        nc,
		r:         bufio.NewReader(nc),
		w:         bufio.NewWriter(nc),
		ioTimeout: ioTimeout,
		logger:    logger,
	}
}

// replace swaps the underlying connection after a TLS upgrade.
func (c *conn) replace(nc net.Conn) {
	c.nc = nc
	c.r = bufio.NewReader(nc)
	c.w = bufio.NewWriter(nc)
}

func (c *conn) setDeadline() error {
	if c.ioTimeout <= 0 {
		return nil
	}
	if err := c.nc.SetDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return ioError("set deadline", err)
	}
	return nil
}

// writeLine sends line followed by CRLF. Secret lines are logged redacted.
func (c *conn) writeLine(line string, secret bool) error {
	if secret {
		c.logger.Debug("smtp command", "line", "<redacted>")
	} else {
		c.logger.Debug("smtp command", "line", line)
	}

	if err := c.setDeadline(); err != nil {
		return err
	}
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return ioError("write", err)
	}
	if err := c.w.Flush(); err != nil {
		return ioError("write", err)
	}
	return nil
}

// readReply reads one reply; cmd labels any *Error it produces.
func (c *conn) readReply(cmd string) (Reply, error) {
	if err := c.setDeadline(); err != nil {
		return Reply{}, err
	}
	reply, err := ReadReply(c.r)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			se.Command = cmd
			c.logger.Debug("smtp reply", "code", reply.Code, "text", reply.Text())
			return reply, se
		}
		if errors.Is(err, email.ErrProtocol) {
			return reply, err
		}
		return reply, ioError("read", err)
	}
	c.logger.Debug("smtp reply", "code", reply.Code, "text", reply.Text())
	return reply, nil
}

// cmd writes a command line and reads its reply.
func (c *conn) cmd(verb, line string) (Reply, error) {
	if err := c.writeLine(line, false); err != nil {
		return Reply{}, fmt.Errorf("smtp: %s: %w", verb, err)
	}
	return c.readReply(verb)
}

// writeData sends a message body with dot-stuffing and CRLF line endings,
// then the terminating "." line. The deadline is renewed for every chunk so
// ioTimeout bounds a stalled write, not the whole transfer.
func (c *conn) writeData(data []byte) error {
	dw := &dotWriter{w: c.w, beginLine: true}
	for len(data) > 0 {
		n := min(len(data), dataChunkSize)
		if err := c.setDeadline(); err != nil {
			return err
		}
		if _, err := dw.Write(data[:n]); err != nil {
			return ioError("write", err)
		}
		data = data[n:]
	}
	if err := c.setDeadline(); err != nil {
		return err
	}
	if err := dw.Close(); err != nil {
		return ioError("write", err)
	}
	return nil
}

func (c *conn) close() error {
	return c.nc.Close()
}

// ioError classifies a transport level failure as a timeout or a broken
// connection, keeping the underlying error in the chain.
func ioError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %w", email.ErrTimeout, op, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: connection closed by server", email.ErrConnection, op)
	}
	return fmt.Errorf("%w: %s: %w", email.ErrConnection, op, err)
}

// dotWriter writes a DATA payload. Lines starting with "." are doubled, bare
// LF becomes CRLF and Close writes the ".\r\n" terminator.
type dotWriter struct {
	w         *bufio.Writer
	beginLine bool
	prevCR    bool
}

func (d *dotWriter) Write(p []byte) (int, error) {
	for i, b := range p {
		if d.beginLine && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return i, err
			}
		}
		if b == '\n' && !d.prevCR {
			if err := d.w.WriteByte('\r'); err != nil {
				return i, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return i, err
		}
		d.prevCR = b == '\r'
		d.beginLine = b == '\n'
	}
	return len(p), nil
}

func (d *dotWriter) Close() error {
	if !d.beginLine {
		if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return d.w.Flush()
}
