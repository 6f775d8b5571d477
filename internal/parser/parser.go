// Package parser reads RFC 5322 messages with MIME multipart bodies back
// into an email.Message, so stored .eml files can be sent again.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"os"
	"sort"
	"strings"

	"github.com/shineum/mailsend/internal/email"
)

// skipHeaders are represented by Message fields or regenerated on send.
var skipHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
	"Received":                  true,
	"Return-Path":               true,
}

var wordDecoder = new(mime.WordDecoder)

// parsed collects body candidates while walking the MIME tree.
type parsed struct {
	text        string
	html        string
	attachments []email.Attachment
}

// ParseFile reads and parses the message stored at path.
func ParseFile(path string) (*email.Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", email.ErrResource, path, err)
	}
	return Parse(raw)
}

// Parse parses a raw RFC 5322 message. An HTML body wins over a plain text
// alternative. Attachments and inline parts with a filename become
// attachments carrying their decoded bytes. The first To address stays in
// To; any further To addresses are moved to the front of Cc.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		From:    decodeHeader(msg.Header.Get("From")),
		ReplyTo: decodeHeader(msg.Header.Get("Reply-To")),
		Subject: decodeHeader(msg.Header.Get("Subject")),
		Bcc:     parseAddressList(msg.Header.Get("Bcc")),
	}

	to := parseAddressList(msg.Header.Get("To"))
	if len(to) > 0 {
		result.To = to[0]
		result.Cc = append(result.Cc, to[1:]...)
	}
	result.Cc = append(result.Cc, parseAddressList(msg.Header.Get("Cc"))...)

	keys := make([]string, 0, len(msg.Header))
	for key := range msg.Header {
		if !skipHeaders[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		result.Headers.Set(key, decodeHeader(msg.Header.Get(key)))
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	var p parsed
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, &p); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := readBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		text := strings.TrimSuffix(string(body), "\r\n")
		switch mediaType {
		case "text/html":
			p.html = text
		case "text/plain":
			p.text = text
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			p.text = text
		}
	}

	if p.html != "" {
		result.Body, result.IsHTML = p.html, true
	} else {
		result.Body = p.text
	}
	result.Attachments = p.attachments
	return result, nil
}

// parseMultipart processes a multipart MIME body, extracting text/plain and
// text/html parts and attachments. Nested multiparts are walked recursively.
func parseMultipart(body io.Reader, boundary string, p *parsed) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, p); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := readBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := strings.ToLower(part.Header.Get("Content-Disposition"))
		isFile := strings.HasPrefix(disposition, "attachment") ||
			(strings.HasPrefix(disposition, "inline") && part.FileName() != "") ||
			part.Header.Get("Content-Id") != ""

		switch {
		case !isFile && mediaType == "text/plain":
			if p.text == "" {
				p.text = string(content)
			}
		case !isFile && mediaType == "text/html":
			if p.html == "" {
				p.html = string(content)
			}
		case isFile || extractFilename(part, params) != "":
			name := extractFilename(part, params)
			if name == "" {
				name = fallbackName(mediaType)
			}
			p.attachments = append(p.attachments, email.BytesAttachment(content, name, mediaType))
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

// readBody reads r fully and decodes a base64 transfer encoding. The
// multipart reader already decodes quoted-printable parts.
func readBody(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(strings.TrimSpace(encoding)) != "base64" {
		return raw, nil
	}
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Try with RawStdEncoding for unpadded base64
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename returns the Content-Disposition filename or the
// Content-Type name parameter, or "" when neither is present.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return params["name"]
}

func fallbackName(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// parseAddressList splits an address list header into "Name <addr>" or bare
// address entries.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address(addr.Address, addr.Name))
	}
	return result
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}
