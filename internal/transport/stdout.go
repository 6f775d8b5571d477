package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
)

// Stdout prints rendered messages instead of delivering them.
type Stdout struct {
	renderer
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	logger *slog.Logger
}

// NewStdout creates a Stdout transport writing to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer, cfg *config.Config, opts Options) (*Stdout, error) {
	opts, err := opts.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{
		renderer: renderer{defaultFrom: cfg.DefaultFrom(), maxSize: opts.MaxMessageSize},
		writer:   w,
		logger:   opts.Logger.With("transport", NameStdout),
	}, nil
}

// Send writes an envelope summary line followed by the full message.
func (t *Stdout) Send(_ context.Context, msg *email.Message) error {
	r, err := t.render(msg)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "MAIL FROM:<%s> RCPT TO:<%s> (%s)\n",
		r.env.From, strings.Join(r.env.To, ">, <"), units.HumanSize(float64(len(r.data))))
	b.WriteString("----------------------------------------\n")
	b.Write(r.data)
	b.WriteString("========================================\n")

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return fmt.Errorf("%w: stdout: %w", email.ErrResource, err)
	}
	logSent(t.logger, NameStdout, r)
	return nil
}

// Name returns the transport name.
func (t *Stdout) Name() string {
	return NameStdout
}
