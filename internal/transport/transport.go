// Package transport delivers rendered messages. A Transport is chosen once
// by Select (or New) and may be shared; every Send is independent.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/encoder"
	"github.com/shineum/mailsend/internal/smtp"
)

// Transport names accepted by New.
const (
	NameSMTP     = "smtp"
	NameSendmail = "sendmail"
	NameSES      = "ses"
	NameStdout   = "stdout"
	NameGraph    = "graph"
)

// Transport is the interface every delivery backend implements.
type Transport interface {
	// Send delivers msg. A nil error is the only success signal.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the transport name.
	Name() string
}

// Options are applied when a transport is constructed. Zero values fall back
// to the configuration.
type Options struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Logger         *slog.Logger
	// MaxMessageSize limits the encoded content in bytes. Zero means the
	// configured limit.
	MaxMessageSize int64
}

// resolve fills unset options from cfg.
func (o Options) resolve(cfg *config.Config) (Options, error) {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = cfg.Timeouts.Connect
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = cfg.Timeouts.IO
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxMessageSize <= 0 {
		size, err := cfg.MaxMessageBytes()
		if err != nil {
			return o, err
		}
		o.MaxMessageSize = size
	}
	return o, nil
}

// Select returns explicit when it is non-nil. Otherwise it returns the SMTP
// transport when authentication is enabled and the local sendmail transport
// when it is not.
func Select(cfg *config.Config, explicit Transport, opts Options) (Transport, error) {
	if explicit != nil {
		return explicit, nil
	}
	if cfg.SMTP.Auth {
		return build(NewSMTP(cfg, opts))
	}
	return build(NewSendmail(cfg, opts))
}

// New builds the transport registered under name.
func New(ctx context.Context, name string, cfg *config.Config, opts Options) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameSMTP:
		return build(NewSMTP(cfg, opts))
	case NameSendmail:
		return build(NewSendmail(cfg, opts))
	case NameSES:
		return build(NewSES(ctx, cfg, opts))
	case NameStdout:
		return build(NewStdout(nil, cfg, opts))
	case NameGraph:
		return build(NewGraph(cfg, opts))
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", email.ErrConfig, name)
	}
}

// build keeps a failed constructor from yielding a non-nil Transport that
// holds a nil pointer.
func build[T Transport](t T, err error) (Transport, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}

// rendered is a message ready for the wire.
type rendered struct {
	env  smtp.Envelope
	data []byte
	// cc and bcc count the envelope recipients after To.
	cc  int
	bcc int
}

// renderer turns messages into wire bytes. Every transport embeds one.
type renderer struct {
	defaultFrom string
	maxSize     int64
}

// render validates msg, builds the envelope, encodes the content and
// prepends the header block. msg is not modified.
func (r renderer) render(msg *email.Message) (*rendered, error) {
	m := *msg
	if m.From == "" {
		m.From = r.defaultFrom
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	env, err := smtp.NewEnvelope(m.From, m.Recipients())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", email.ErrPrecondition, err)
	}

	enc, err := encoder.Encode(m.Body, m.IsHTML, m.Attachments, m.EmbeddedImages, encoder.Options{MaxSize: r.maxSize})
	if err != nil {
		return nil, err
	}

	data := append(renderHeaders(&m, time.Now()), enc.Bytes()...)
	return &rendered{env: env, data: data, cc: len(m.Cc), bcc: len(m.Bcc)}, nil
}

// logSent records a successful delivery.
func logSent(logger *slog.Logger, name string, r *rendered) {
	logger.Info("email sent",
		"transport", name,
		"from", r.env.From,
		"recipients", len(r.env.To),
		"size", units.HumanSize(float64(len(r.data))),
	)
}
