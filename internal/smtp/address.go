package smtp

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// ExtractAddress strips an optional display-name wrapper, turning
// "Name <a@b.com>" into "a@b.com". A bare address is returned unchanged apart
// from surrounding whitespace and stray angle brackets. No mailbox syntax is
// validated.
func ExtractAddress(s string) string {
	if open := strings.IndexByte(s, '<'); open >= 0 {
		if end := strings.IndexByte(s[open+1:], '>'); end > 0 {
			return strings.TrimSpace(s[open+1 : open+1+end])
		}
	}
	return strings.Trim(strings.TrimSpace(s), "<>")
}

// Envelope is the SMTP-level addressing of one message.
type Envelope struct {
	From string
	To   []string
}

// NewEnvelope extracts bare addresses from from and rcpts and converts any
// internationalized domain to its ASCII form.
func NewEnvelope(from string, rcpts []string) (Envelope, error) {
	f, err := envelopeAddress(from)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{From: f, To: make([]string, 0, len(rcpts))}
	for _, r := range rcpts {
		a, err := envelopeAddress(r)
		if err != nil {
			return Envelope{}, err
		}
		env.To = append(env.To, a)
	}
	return env, nil
}

func envelopeAddress(s string) (string, error) {
	addr := ExtractAddress(s)
	at := strings.LastIndexByte(addr, '@')
	if at < 0 || isASCII(addr[at+1:]) {
		return addr, nil
	}
	domain, err := idna.Lookup.ToASCII(addr[at+1:])
	if err != nil {
		return "", fmt.Errorf("smtp: invalid domain in %q: %w", s, err)
	}
	return addr[:at+1] + domain, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
