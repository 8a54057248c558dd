// Package ses implements a Provider that hands messages to AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/render"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender overrides the envelope sender when set.
	Sender string
	// ConnectTimeout bounds dialing the SES endpoint. Zero keeps the SDK default.
	ConnectTimeout time.Duration
	// RequestTimeout bounds a whole API request. Zero keeps the SDK default.
	RequestTimeout time.Duration
}

// SESProvider sends built messages through the AWS SES v2 API as raw
// RFC 5322 content.
type SESProvider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	if cfg.ConnectTimeout > 0 || cfg.RequestTimeout > 0 {
		httpClient := awshttp.NewBuildableClient()
		if cfg.ConnectTimeout > 0 {
			httpClient = httpClient.WithDialerOptions(func(d *net.Dialer) {
				d.Timeout = cfg.ConnectTimeout
			})
		}
		if cfg.RequestTimeout > 0 {
			httpClient = httpClient.WithTimeout(cfg.RequestTimeout)
		}
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESProvider{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
	}
}

// Send renders msg and submits it in a single SendEmail call. Bcc
// recipients travel in the destination only, never in the raw content.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message) error {
	input, err := buildInput(s.sender, msg)
	if err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		slog.Error("SES API request failed",
			"from", aws.ToString(input.FromEmailAddress),
			"recipients", msg.Counts().Total(),
			"error", err,
		)
		return fmt.Errorf("SES API request failed: %w", err)
	}

	slog.Info("message submitted to SES",
		"message_id", msg.MessageID(),
		"ses_message_id", aws.ToString(out.MessageId),
		"recipients", msg.Counts().Total(),
	)
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildInput constructs the SendEmail request for msg.
func buildInput(sender string, msg *email.Message) (*sesv2.SendEmailInput, error) {
	raw, err := render.Render(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	from := sender
	if from == "" {
		from = msg.From().Mailbox
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses:  mailboxes(msg.To()),
			CcAddresses:  mailboxes(msg.Cc()),
			BccAddresses: mailboxes(msg.Bcc()),
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}, nil
}

func mailboxes(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Mailbox
	}
	return out
}
