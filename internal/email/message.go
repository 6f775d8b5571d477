// Package email defines the outbound message model handed to transports.
package email

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// defaultAttachmentType is used when an attachment's MIME type is unknown.
const defaultAttachmentType = "application/octet-stream"

// defaultImageType matches the fallback used for embedded images whose type
// cannot be derived from the file name.
const defaultImageType = "image/jpeg"

// Message is an outbound email. Transports treat it as read-only.
type Message struct {
	From    string
	To      string
	Cc      []string
	Bcc     []string
	ReplyTo string
	Subject string
	Body    string
	IsHTML  bool

	// Headers holds extra headers in insertion order.
	Headers Headers

	Attachments    []Attachment
	EmbeddedImages []EmbeddedImage
}

// Attachment is a file attached to a message. Exactly one of Content or Path
// is set.
type Attachment struct {
	Content  []byte
	Path     string
	Name     string
	MIMEType string
}

// EmbeddedImage is an inline image referenced from an HTML body as
// cid:ContentID.
type EmbeddedImage struct {
	Path      string
	ContentID string
	MIMEType  string
}

// FileAttachment returns an attachment read from path at encode time. If name
// is empty the base name of path is used.
func FileAttachment(path, name string) Attachment {
	if name == "" {
		name = filepath.Base(path)
	}
	return Attachment{
		Path:     path,
		Name:     name,
		MIMEType: typeByExtension(path, defaultAttachmentType),
	}
}

// BytesAttachment returns an attachment carrying content verbatim.
func BytesAttachment(content []byte, name, mimeType string) Attachment {
	if mimeType == "" {
		mimeType = defaultAttachmentType
	}
	return Attachment{Content: content, Name: name, MIMEType: mimeType}
}

// Image returns an embedded image for path referenced as cid.
func Image(path, cid string) EmbeddedImage {
	return EmbeddedImage{
		Path:      path,
		ContentID: cid,
		MIMEType:  typeByExtension(path, defaultImageType),
	}
}

// Address formats an address with an optional display name.
func Address(addr, name string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}

// Validate reports a precondition error if a required field is empty or a
// custom header name is malformed.
func (m *Message) Validate() error {
	for _, h := range m.Headers {
		if !ValidHeaderName(h.Name) {
			return fmt.Errorf("%w: invalid header name %q", ErrPrecondition, h.Name)
		}
	}
	switch {
	case strings.TrimSpace(m.To) == "":
		return fmt.Errorf("%w: recipient address is required", ErrPrecondition)
	case strings.TrimSpace(m.From) == "":
		return fmt.Errorf("%w: sender address is required", ErrPrecondition)
	case m.Subject == "":
		return fmt.Errorf("%w: subject is required", ErrPrecondition)
	case m.Body == "":
		return fmt.Errorf("%w: body is required", ErrPrecondition)
	}
	return nil
}

// Recipients returns every envelope recipient in To, Cc, Bcc order.
func (m *Message) Recipients() []string {
	rcpts := make([]string, 0, 1+len(m.Cc)+len(m.Bcc))
	rcpts = append(rcpts, m.To)
	rcpts = append(rcpts, m.Cc...)
	rcpts = append(rcpts, m.Bcc...)
	return rcpts
}

func typeByExtension(path, fallback string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return fallback
	}
	// Drop parameters such as "; charset=utf-8" added for text types.
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}
