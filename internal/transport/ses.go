package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailsend/internal/config"
	"github.com/shineum/mailsend/internal/email"
)

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES sends the rendered message through the AWS SES v2 API as raw content.
type SES struct {
	renderer
	client SendEmailAPI
	logger *slog.Logger
}

// NewSES creates an SES transport. Static credentials are used when both
// keys are configured; otherwise the default AWS credential chain applies.
func NewSES(ctx context.Context, cfg *config.Config, opts Options) (*SES, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error

	if cfg.SES.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.SES.Region))
	}
	if cfg.SES.AccessKeyID != "" && cfg.SES.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.SES.AccessKeyID, cfg.SES.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %w", email.ErrConfig, err)
	}

	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), cfg, opts)
}

// NewSESWithClient creates an SES transport with a custom client, used for testing.
func NewSESWithClient(client SendEmailAPI, cfg *config.Config, opts Options) (*SES, error) {
	opts, err := opts.resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &SES{
		renderer: renderer{defaultFrom: cfg.DefaultFrom(), maxSize: opts.MaxMessageSize},
		client:   client,
		logger:   opts.Logger.With("transport", NameSES),
	}, nil
}

// Send delivers msg in a single SendEmail call. Failures are not retried.
func (t *SES) Send(ctx context.Context, msg *email.Message) error {
	r, err := t.render(msg)
	if err != nil {
		return err
	}

	if _, err := t.client.SendEmail(ctx, buildRawInput(r)); err != nil {
		t.logger.Error("SES API error", "error", err)
		return fmt.Errorf("%w: ses: %w", email.ErrConnection, err)
	}
	logSent(t.logger, NameSES, r)
	return nil
}

// Name returns the transport name.
func (t *SES) Name() string {
	return NameSES
}

// buildRawInput wraps the rendered message. Bcc recipients appear only in
// the Destination.
func buildRawInput(r *rendered) *sesv2.SendEmailInput {
	to := r.env.To[:len(r.env.To)-r.cc-r.bcc]
	cc := r.env.To[len(to) : len(to)+r.cc]
	bcc := r.env.To[len(to)+r.cc:]

	dest := &types.Destination{ToAddresses: to}
	if len(cc) > 0 {
		dest.CcAddresses = cc
	}
	if len(bcc) > 0 {
		dest.BccAddresses = bcc
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(r.env.From),
		Destination:      dest,
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: r.data,
			},
		},
	}
}
