package smtp

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shineum/mailsend/internal/email"
)

// maxReplyLineLen bounds a single reply line, CRLF included.
const maxReplyLineLen = 2048

// Reply is one complete, possibly multi-line, server reply.
type Reply struct {
	Code int
	// Lines holds the text of each line after the code and separator.
	Lines []string
	// Raw holds each line exactly as received, without the line terminator.
	Raw []string
}

// Text returns the raw reply lines joined with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Raw, "\n")
}

// Error is a reply whose status code is 400 or above, or a success code
// other than the one the command requires.
type Error struct {
	// Command is the verb the reply answered, empty for the greeting.
	Command string
	Code    int
	// Text is the raw server reply, one line per reply line.
	Text string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("smtp: server replied %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("smtp: %s: server replied %d: %s", e.Command, e.Code, e.Text)
}

// Is makes every *Error match email.ErrProtocol.
func (e *Error) Is(target error) bool {
	return target == email.ErrProtocol
}

// Temporary reports whether the server signalled a transient (4xx) failure.
func (e *Error) Temporary() bool {
	return e.Code/100 == 4
}

// ReadReply reads one reply from r. A line is the last one of the reply when
// its fourth character is a space (or it is only the three-digit code). A
// code of 400 or above is returned as *Error along with the reply.
func ReadReply(r *bufio.Reader) (Reply, error) {
	var reply Reply
	for {
		line, err := readLine(r, maxReplyLineLen)
		if err != nil {
			return reply, err
		}
		if len(line) < 3 {
			return reply, fmt.Errorf("%w: malformed reply line %q", email.ErrProtocol, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 {
			return reply, fmt.Errorf("%w: malformed reply code %q", email.ErrProtocol, line[:3])
		}
		if reply.Raw == nil {
			reply.Code = code
		}

		text := ""
		if len(line) > 4 {
			text = line[4:]
		}
		reply.Raw = append(reply.Raw, line)
		reply.Lines = append(reply.Lines, text)

		if len(line) == 3 || line[3] == ' ' {
			break
		}
	}

	if reply.Code >= 400 {
		return reply, &Error{Code: reply.Code, Text: reply.Text()}
	}
	return reply, nil
}

// readLine reads a CRLF (or bare LF) terminated line without the terminator.
func readLine(r *bufio.Reader, maxLen int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxLen-2 {
			return "", fmt.Errorf("%w: reply line longer than %d bytes", email.ErrProtocol, maxLen)
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

// IsTemporary reports whether err carries a transient 4xx reply.
func IsTemporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary()
}
