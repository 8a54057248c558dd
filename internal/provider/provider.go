// Package provider defines the handoff point to message delivery backends.
package provider

import (
	"context"

	"github.com/shineum/mailbuilder/internal/email"
)

// Provider is the interface that delivery backends must implement.
// A provider receives a built, validated message and owns everything that
// happens on the wire: connections, encryption and retries.
type Provider interface {
	// Send hands a built message to the backend.
	// It returns an error if the backend rejects it.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
