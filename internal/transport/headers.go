package transport

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/smtp"
)

// reservedHeaders are written by renderHeaders or the encoder and cannot be
// supplied as custom headers. Bcc is never rendered.
var reservedHeaders = map[string]bool{
	"to":           true,
	"from":         true,
	"subject":      true,
	"cc":           true,
	"bcc":          true,
	"reply-to":     true,
	"mime-version": true,
	"content-type": true,
}

// renderHeaders returns the header block that precedes the encoder output:
// To, From, Subject, Cc, Reply-To, custom headers in insertion order, Date,
// Message-ID and MIME-Version.
func renderHeaders(msg *email.Message, now time.Time) []byte {
	var buf bytes.Buffer
	write := func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(sanitize(value))
		buf.WriteString("\r\n")
	}

	write("To", msg.To)
	write("From", msg.From)
	write("Subject", msg.Subject)
	if len(msg.Cc) > 0 {
		write("Cc", strings.Join(msg.Cc, ", "))
	}
	if msg.ReplyTo != "" {
		write("Reply-To", msg.ReplyTo)
	}
	for _, h := range msg.Headers {
		if !email.ValidHeaderName(h.Name) || reservedHeaders[strings.ToLower(h.Name)] {
			continue
		}
		write(h.Name, h.Value)
	}
	if !msg.Headers.Has("Date") {
		write("Date", now.Format(time.RFC1123Z))
	}
	if !msg.Headers.Has("Message-ID") {
		write("Message-ID", messageID(msg.From))
	}
	write("MIME-Version", "1.0")
	return buf.Bytes()
}

// messageID returns "<uuid@domain>" using the sender's domain.
func messageID(from string) string {
	domain := "localhost"
	addr := smtp.ExtractAddress(from)
	if at := strings.LastIndexByte(addr, '@'); at >= 0 && at < len(addr)-1 {
		domain = addr[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// sanitize keeps a header value on one line.
func sanitize(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(v)
}
