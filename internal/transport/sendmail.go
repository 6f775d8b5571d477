package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
)

// Sendmail hands messages to the local mail submission program. Recipients
// go on the command line, so Bcc never needs to appear in the headers.
type Sendmail struct {
	renderer
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSendmail builds a Sendmail transport using cfg.Sendmail.Path.
func NewSendmail(cfg *config.Config, opts Options) (*Sendmail, error) {
	opts, err := opts.resolve(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Sendmail.Path == "" {
		return nil, fmt.Errorf("%w: sendmail path is required", email.ErrConfig)
	}
	return &Sendmail{
		renderer: renderer{defaultFrom: cfg.DefaultFrom(), maxSize: opts.MaxMessageSize},
		path:     cfg.Sendmail.Path,
		timeout:  opts.ConnectTimeout + opts.IOTimeout,
		logger:   opts.Logger.With("transport", NameSendmail),
	}, nil
}

// Send pipes the rendered message to "sendmail -oi -f <from> -- <rcpt...>".
// A non-zero exit status or any output on stderr is a failure.
func (t *Sendmail) Send(ctx context.Context, msg *email.Message) error {
	r, err := t.render(msg)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	args := append([]string{"-oi", "-f", r.env.From, "--"}, r.env.To...)
	cmd := exec.CommandContext(ctx, t.path, args...)
	cmd.Stdin = bytes.NewReader(r.data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	errText := strings.TrimSpace(stderr.String())
	switch {
	case runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w: %s did not finish in time", email.ErrLocalSubmission, email.ErrTimeout, t.path)
	case runErr != nil && errText != "":
		err = fmt.Errorf("%w: %s: %s", email.ErrLocalSubmission, runErr, errText)
	case runErr != nil:
		err = fmt.Errorf("%w: %w", email.ErrLocalSubmission, runErr)
	case errText != "":
		err = fmt.Errorf("%w: %s", email.ErrLocalSubmission, errText)
	}
	if err != nil {
		t.logger.Error("local submission failed", "path", t.path, "error", err)
		return err
	}

	logSent(t.logger, NameSendmail, r)
	return nil
}

// Name returns the transport name.
func (t *Sendmail) Name() string {
	return NameSendmail
}
