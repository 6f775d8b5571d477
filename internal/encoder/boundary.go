package encoder

import (
	"strings"

	"github.com/google/uuid"
)

// NewBoundary returns a multipart boundary that does not occur as a
// delimiter inside body. The "=_" prefix cannot appear in base64 output.
func NewBoundary(body string) string {
	for {
		b := "=_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if !strings.Contains(body, "--"+b) {
			return b
		}
	}
}
