// Package encoder renders message content as a single-part or
// multipart/mixed MIME body (RFC 2045/2046).
package encoder

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"

	"github.com/shineum/mailsend/internal/email"
)

// lineWidth is the RFC 2045 maximum encoded line length for base64.
const lineWidth = 76

const crlf = "\r\n"

// Options tunes encoding.
type Options struct {
	// MaxSize limits the encoded body in bytes. Zero means unlimited.
	MaxSize int64
}

// Encoded is the content portion of a message. Callers prepend their own
// header block, then write Bytes.
type Encoded struct {
	// ContentType is the value of the Content-Type header.
	ContentType string
	// Boundary is empty for single-part output.
	Boundary string
	// Body is everything after the blank line that ends the headers.
	Body []byte
}

// Bytes renders the Content-Type header, the blank separator line and Body.
func (e *Encoded) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(len(e.Body) + len(e.ContentType) + 20)
	buf.WriteString("Content-Type: " + e.ContentType + crlf + crlf)
	buf.Write(e.Body)
	return buf.Bytes()
}

// Multipart reports whether the output carries a boundary.
func (e *Encoded) Multipart() bool {
	return e.Boundary != ""
}

// Encode renders body plus any embedded images and attachments. All file
// contents are read before anything is produced, so a missing file never
// yields partial output.
func Encode(body string, isHTML bool, attachments []email.Attachment, images []email.EmbeddedImage, opts Options) (*Encoded, error) {
	textType := "text/plain; charset=UTF-8"
	if isHTML {
		textType = "text/html; charset=UTF-8"
	}

	if len(attachments) == 0 && len(images) == 0 {
		out := &Encoded{
			ContentType: textType,
			Body:        []byte(body + crlf),
		}
		return out, checkSize(out, opts.MaxSize)
	}

	imageData, err := loadImages(images)
	if err != nil {
		return nil, err
	}
	attachmentData, err := loadAttachments(attachments)
	if err != nil {
		return nil, err
	}

	boundary := NewBoundary(body)

	var buf bytes.Buffer
	delim := "--" + boundary + crlf

	buf.WriteString(delim)
	buf.WriteString("Content-Type: " + textType + crlf)
	buf.WriteString("Content-Transfer-Encoding: 8bit" + crlf + crlf)
	buf.WriteString(body + crlf)

	for i, img := range images {
		name := filepath.Base(img.Path)
		buf.WriteString(delim)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%q%s", ImageType(img), name, crlf)
		buf.WriteString("Content-Transfer-Encoding: base64" + crlf)
		fmt.Fprintf(&buf, "Content-ID: <%s>%s", img.ContentID, crlf)
		fmt.Fprintf(&buf, "Content-Disposition: inline; filename=%q%s%s", name, crlf, crlf)
		writeBase64(&buf, imageData[i])
	}

	for i, att := range attachments {
		mimeType := att.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		buf.WriteString(delim)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%q%s", mimeType, att.Name, crlf)
		buf.WriteString("Content-Transfer-Encoding: base64" + crlf)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q%s%s", att.Name, crlf, crlf)
		writeBase64(&buf, attachmentData[i])
	}

	buf.WriteString("--" + boundary + "--" + crlf)

	out := &Encoded{
		ContentType: fmt.Sprintf("multipart/mixed; boundary=%q", boundary),
		Boundary:    boundary,
		Body:        buf.Bytes(),
	}
	return out, checkSize(out, opts.MaxSize)
}

func loadImages(images []email.EmbeddedImage) ([][]byte, error) {
	data := make([][]byte, len(images))
	for i, img := range images {
		b, err := LoadImage(img)
		if err != nil {
			return nil, err
		}
		data[i] = b
	}
	return data, nil
}

func loadAttachments(attachments []email.Attachment) ([][]byte, error) {
	data := make([][]byte, len(attachments))
	for i, att := range attachments {
		b, err := LoadAttachment(att)
		if err != nil {
			return nil, err
		}
		data[i] = b
	}
	return data, nil
}

// ImageType returns img.MIMEType, or the type email.Image would derive from
// the path when it is unset.
func ImageType(img email.EmbeddedImage) string {
	if img.MIMEType != "" {
		return img.MIMEType
	}
	return email.Image(img.Path, img.ContentID).MIMEType
}

// LoadImage reads an embedded image from disk.
func LoadImage(img email.EmbeddedImage) ([]byte, error) {
	b, err := os.ReadFile(img.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: embedded image %s: %v", email.ErrResource, img.Path, err)
	}
	return b, nil
}

// LoadAttachment returns the in-memory content or reads Path.
func LoadAttachment(att email.Attachment) ([]byte, error) {
	if att.Path == "" {
		return att.Content, nil
	}
	b, err := os.ReadFile(att.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: attachment %s: %v", email.ErrResource, att.Path, err)
	}
	return b, nil
}

// writeBase64 writes data as base64 in lines of lineWidth, each ending in CRLF.
func writeBase64(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > lineWidth {
		buf.WriteString(encoded[:lineWidth])
		buf.WriteString(crlf)
		encoded = encoded[lineWidth:]
	}
	if encoded != "" {
		buf.WriteString(encoded)
		buf.WriteString(crlf)
	}
}

func checkSize(e *Encoded, max int64) error {
	if max <= 0 || int64(len(e.Body)) <= max {
		return nil
	}
	return fmt.Errorf("%w: message too large (%s, limit %s)", email.ErrResource,
		units.BytesSize(float64(len(e.Body))), units.BytesSize(float64(max)))
}
