// Package stdout implements a Provider that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailbuilder/internal/email"
	"github.com/shineum/mailbuilder/internal/render"
)

const separator = "========================================\n"

// Provider prints a summary of each message followed by its rendered form.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send renders the message and prints it between separator lines. Bcc
// recipients only appear in the summary, never in the rendered message.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	raw, err := render.Render(msg)
	if err != nil {
		return fmt.Errorf("failed to render message: %w", err)
	}

	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("Envelope-From: %s\n", msg.From().Mailbox))
	b.WriteString(fmt.Sprintf("Envelope-To: %s\n", strings.Join(mailboxes(msg.Recipients()), ", ")))

	counts := msg.Counts()
	b.WriteString(fmt.Sprintf("Recipients: to=%d cc=%d bcc=%d\n", counts.To, counts.Cc, counts.Bcc))

	transport := msg.Transport()
	b.WriteString(fmt.Sprintf("Transport: %s:%d (connect timeout %s)\n",
		transport.Host, transport.Port, transport.SocketConnectionTimeout))
	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(len(raw))))
	b.WriteString(separator)
	b.Write(raw)
	if !strings.HasSuffix(string(raw), "\n") {
		b.WriteString("\n")
	}
	b.WriteString(separator)

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func mailboxes(addrs []email.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Mailbox)
	}
	return out
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
