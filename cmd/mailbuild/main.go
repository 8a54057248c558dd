// Package main is the entry point for the mailbuild command, which composes
// a message from flags, configuration and an optional template, builds it
// and hands it to a delivery provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shineum/mailbuilder/internal/config"
	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/parser"
	"github.com/shineum/mailbuilder/internal/provider"
	"github.com/shineum/mailbuilder/internal/provider/graph"
	"github.com/shineum/mailbuilder/internal/provider/ses"
	"github.com/shineum/mailbuilder/internal/provider/stdout"
)

// options holds the parsed command line.
type options struct {
	configPath   string
	from         string
	to           []string
	cc           []string
	bcc          []string
	replyTo      string
	subject      string
	body         string
	bodyFile     string
	contentType  string
	charset      string
	headers      []string
	templatePath string
	provider     string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("mailbuild failed", "error", err)
		os.Exit(1)
	}
}

// run parses args, builds the message and sends it. Messages printed by the
// stdout provider go to out.
func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(cfg.Logging.Level)

	draft, err := composeDraft(cfg, opts)
	if err != nil {
		return err
	}

	msg, err := draft.Build()
	if err != nil {
		var tcErr *email.TransportConfigError
		if errors.As(err, &tcErr) && tcErr.Fatal() {
			slog.Error("transport configuration rejected",
				"field", tcErr.Field,
				"value", tcErr.Value,
			)
		}
		return fmt.Errorf("failed to build message: %w", err)
	}

	if opts.provider != "" {
		cfg.Provider = strings.ToLower(opts.provider)
	}
	prov, err := selectProvider(ctx, cfg, out)
	if err != nil {
		return err
	}

	slog.Info("sending message",
		"provider", prov.Name(),
		"message_id", msg.MessageID(),
		"recipients", msg.Counts().Total(),
	)

	if err := prov.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send message via %s: %w", prov.Name(), err)
	}
	return nil
}

// parseFlags parses the command line into options.
func parseFlags(args []string) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("mailbuild", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (optional)")
	fs.StringVar(&opts.from, "from", "", "sender address, overrides the configured sender")
	fs.Func("to", "To recipient (repeatable)", appendTo(&opts.to))
	fs.Func("cc", "Cc recipient (repeatable)", appendTo(&opts.cc))
	fs.Func("bcc", "Bcc recipient (repeatable)", appendTo(&opts.bcc))
	fs.StringVar(&opts.replyTo, "reply-to", "", "Reply-To address")
	fs.StringVar(&opts.subject, "subject", "", "message subject")
	fs.StringVar(&opts.body, "body", "", "message body")
	fs.StringVar(&opts.bodyFile, "body-file", "", "read the message body from a file")
	fs.StringVar(&opts.contentType, "content-type", "", "body content type (default text/plain)")
	fs.StringVar(&opts.charset, "charset", "", "body charset, overrides the configured charset")
	fs.Func("header", `custom header as "Name: value" (repeatable)`, appendTo(&opts.headers))
	fs.StringVar(&opts.templatePath, "template", "", "RFC 5322 message to start the draft from")
	fs.StringVar(&opts.provider, "provider", "", "delivery provider: stdout, ses or graph")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.body != "" && opts.bodyFile != "" {
		return nil, errors.New("-body and -body-file are mutually exclusive")
	}
	return opts, nil
}

func appendTo(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = append(*dst, v)
		return nil
	}
}

// composeDraft starts from the template when one is given and layers the
// configuration and flags on top.
func composeDraft(cfg *config.Config, opts *options) (*email.Draft, error) {
	draft := email.NewDraft()
	if opts.templatePath != "" {
		raw, err := os.ReadFile(opts.templatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read template: %w", err)
		}
		draft, err = parser.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", opts.templatePath, err)
		}
		slog.Debug("loaded template", "path", opts.templatePath)
	}

	// The configured charset is only a default. Anything set later wins.
	if opts.templatePath == "" && cfg.Message.Charset != "" {
		if err := draft.SetCharset(cfg.Message.Charset); err != nil {
			return nil, err
		}
	}

	draft.SetHostName(cfg.Transport.Host)
	draft.SetSMTPPort(cfg.Transport.Port)
	draft.SetSocketConnectionTimeout(cfg.Transport.SocketConnectionTimeout)
	draft.SetSocketTimeout(cfg.Transport.SocketTimeout)

	// A configured default sender only fills in a missing one.
	from := opts.from
	if _, ok := draft.From(); !ok && from == "" {
		from = cfg.Message.From
	}
	if from != "" {
		if err := draft.SetFrom(from); err != nil {
			return nil, err
		}
	}

	if len(opts.to) > 0 {
		if err := draft.AddTo(opts.to...); err != nil {
			return nil, err
		}
	}
	if len(opts.cc) > 0 {
		if err := draft.AddCc(opts.cc...); err != nil {
			return nil, err
		}
	}
	if len(opts.bcc) > 0 {
		if err := draft.AddBcc(opts.bcc...); err != nil {
			return nil, err
		}
	}
	if opts.replyTo != "" {
		if err := draft.AddReplyTo(opts.replyTo, ""); err != nil {
			return nil, err
		}
	}

	if opts.subject != "" {
		draft.SetSubject(opts.subject)
	}

	body := opts.body
	if opts.bodyFile != "" {
		data, err := os.ReadFile(opts.bodyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}
	switch {
	case body != "":
		draft.SetContent(body, opts.contentType)
	case opts.contentType != "":
		draft.SetContent(draft.Content(), opts.contentType)
	}

	if opts.charset != "" {
		if err := draft.SetCharset(opts.charset); err != nil {
			return nil, err
		}
	}

	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not in \"Name: value\" form", email.ErrInvalidHeader, h)
		}
		if err := draft.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	return draft, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to stderr so they never mix with a message
// printed on stdout.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
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

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the delivery backend based on configuration.
// An empty provider is auto-detected: Graph when configured, then SES, then
// stdout.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION is required")
		}
		return newSESProvider(ctx, cfg)

	case "graph", "msgraph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraphProvider(ctx, cfg), nil

	case "stdout":
		slog.Debug("using stdout provider")
		return stdout.NewWithWriter(out), nil

	case "":
		if cfg.GraphConfigured() {
			return newGraphProvider(ctx, cfg), nil
		}
		if cfg.SESConfigured() {
			slog.Info("using AWS SES provider (auto-detected)",
				"region", cfg.SES.Region,
			)
			return newSESProvider(ctx, cfg)
		}
		slog.Debug("no provider configured, using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSESProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
		ConnectTimeout:  cfg.Transport.SocketConnectionTimeout,
		RequestTimeout:  cfg.Transport.SocketTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

func newGraphProvider(ctx context.Context, cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider",
		"sender", cfg.Graph.Sender,
	)
	return graph.New(ctx, graph.GraphProviderConfig{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
		Timeout:      cfg.Transport.SocketTimeout,
	})
}
