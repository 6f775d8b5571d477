// Package main is the entry point for the mailsend command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
	"github.com/shineum/mailsend/internal/parser"
	"github.com/shineum/mailsend/internal/transport"
)

// listFlag collects a repeatable flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

var errUsage = errors.New("nothing to send: pass -eml or -to with -subject and -body")

type options struct {
	configPath string
	to         string
	cc         string
	bcc        string
	from       string
	subject    string
	body       string
	bodyFile   string
	html       bool
	attach     listFlag
	embed      listFlag
	headers    listFlag
	vars       listFlag
	eml        string
	transport  string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to YAML or TOML configuration file (optional)")
	flag.StringVar(&opts.to, "to", "", "primary recipient; extra comma-separated addresses are sent as Cc")
	flag.StringVar(&opts.cc, "cc", "", "comma-separated Cc recipients")
	flag.StringVar(&opts.bcc, "bcc", "", "comma-separated Bcc recipients")
	flag.StringVar(&opts.from, "from", "", "sender address (defaults to the configured sender)")
	flag.StringVar(&opts.subject, "subject", "", "message subject")
	flag.StringVar(&opts.body, "body", "", "message body")
	flag.StringVar(&opts.bodyFile, "body-file", "", "read the body from a template file")
	flag.BoolVar(&opts.html, "html", false, "send the body as text/html")
	flag.Var(&opts.attach, "attach", "attach a file (repeatable)")
	flag.Var(&opts.embed, "embed", "embed an inline image as cid=path (repeatable)")
	flag.Var(&opts.headers, "header", "add a header as Name:Value (repeatable)")
	flag.Var(&opts.vars, "var", "template variable as key=value (repeatable)")
	flag.StringVar(&opts.eml, "eml", "", "resend a stored .eml message")
	flag.StringVar(&opts.transport, "transport", "", "force a transport: smtp, sendmail, ses, graph or stdout")
	flag.Parse()

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, &opts); err != nil {
		slog.Error("send failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts *options) error {
	msg, err := buildMessage(opts)
	if err != nil {
		return err
	}

	t, err := selectTransport(ctx, cfg, opts.transport)
	if err != nil {
		return err
	}

	slog.Info("sending message",
		"transport", t.Name(),
		"to", msg.To,
		"recipients", len(msg.Recipients()),
		"attachments", len(msg.Attachments),
	)
	return t.Send(ctx, msg)
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport honours -transport, then the configured transport name,
// then falls back to auth-based selection.
func selectTransport(ctx context.Context, cfg *config.Config, name string) (transport.Transport, error) {
	if name == "" {
		name = cfg.Transport
	}
	if name != "" {
		return transport.New(ctx, name, cfg, transport.Options{})
	}
	return transport.Select(cfg, nil, transport.Options{})
}

// buildMessage assembles the message from flags, or from a stored .eml with
// flags overriding its fields.
func buildMessage(opts *options) (*email.Message, error) {
	if opts.eml == "" && opts.to == "" {
		return nil, errUsage
	}

	msg := &email.Message{}
	if opts.eml != "" {
		parsed, err := parser.ParseFile(opts.eml)
		if err != nil {
			return nil, err
		}
		msg = parsed
	}

	vars, err := parsePairs(opts.vars, "=", "-var")
	if err != nil {
		return nil, err
	}

	if opts.to != "" {
		to := splitList(opts.to)
		if len(to) > 0 {
			msg.To = to[0]
			msg.Cc = append(to[1:], msg.Cc...)
		}
	}
	msg.Cc = append(msg.Cc, splitList(opts.cc)...)
	msg.Bcc = append(msg.Bcc, splitList(opts.bcc)...)
	if opts.from != "" {
		msg.From = opts.from
	}
	if opts.subject != "" {
		msg.Subject = email.RenderTemplate(opts.subject, vars)
	}

	switch {
	case opts.bodyFile != "":
		body, err := email.RenderTemplateFile(opts.bodyFile, vars)
		if err != nil {
			return nil, err
		}
		msg.Body = body
	case opts.body != "":
		msg.Body = email.RenderTemplate(opts.body, vars)
	}
	if opts.html {
		msg.IsHTML = true
	}

	for _, path := range opts.attach {
		msg.Attachments = append(msg.Attachments, email.FileAttachment(path, ""))
	}

	for _, raw := range opts.embed {
		cid, path, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(cid) == "" || path == "" {
			return nil, fmt.Errorf("%w: -embed %q must be cid=path", email.ErrConfig, raw)
		}
		msg.EmbeddedImages = append(msg.EmbeddedImages, email.Image(path, strings.TrimSpace(cid)))
	}

	for _, raw := range opts.headers {
		name, value, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: -header %q must be Name:Value", email.ErrConfig, raw)
		}
		msg.Headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return msg, nil
}

// parsePairs splits key<sep>value flag values into a map.
func parsePairs(values []string, sep, flagName string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, raw := range values {
		k, v, ok := strings.Cut(raw, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %s %q must be key%svalue", email.ErrConfig, flagName, raw, sep)
		}
		out[k] = v
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
