package email

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress indicates a malformed mailbox or address list.
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrInvalidHeader indicates an empty or malformed header name or value.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrInvalidCharset indicates a charset name unknown to the IANA registry.
	ErrInvalidCharset = errors.New("invalid charset")

	// ErrMissingSender indicates that Build was called before a From address was set.
	ErrMissingSender = errors.New("no from address set")

	// ErrMissingRecipient indicates that Build was called without any To, Cc or Bcc address.
	ErrMissingRecipient = errors.New("no recipient addresses set")

	// ErrTransportConfig indicates a missing or malformed transport endpoint.
	ErrTransportConfig = errors.New("invalid transport configuration")
)

// TransportConfigError describes a host or port that the transport
// collaborator would refuse. It is never recoverable by retrying.
type TransportConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *TransportConfigError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", ErrTransportConfig, e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrTransportConfig.
func (e *TransportConfigError) Unwrap() error {
	return ErrTransportConfig
}

// Fatal reports that the error must not be retried.
func (e *TransportConfigError) Fatal() bool {
	return true
}
