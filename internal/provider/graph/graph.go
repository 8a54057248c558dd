// Package graph implements a Provider that hands messages to the Microsoft
// Graph API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/mailbuilder/internal/email"
)

const defaultTimeout = 30 * time.Second

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
}

// GraphProvider sends messages through the Graph sendMail endpoint of the
// sender's mailbox.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
}

// New creates a new GraphProvider with the given configuration. ctx is used
// for every token request the provider makes and should outlive it.
func New(ctx context.Context, cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return newWithOverrides(ctx, cfg, graphURL, tokenURL, &http.Client{Timeout: timeout})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(ctx context.Context, cfg GraphProviderConfig, graphURL, tokenURL string, base *http.Client) *GraphProvider {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// Token requests go through base too.
	client := creds.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = base.Timeout

	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
	}
}

// Send hands msg to the Graph API in a single request. A failed request
// returns an error that reports through Temporary whether it is worth
// retrying later.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return fmt.Errorf("failed to get access token: %w", retrieveErr)
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
			err:       err,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Info("message submitted to Graph API",
			"message_id", msg.MessageID(),
			"sender", g.sender,
			"recipients", msg.Counts().Total(),
		)
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// sendError represents an error from the Graph API send operation,
// classified by whether a later attempt could succeed.
type sendError struct {
	message    string
	statusCode int
	transient  bool
	retryAfter string
	err        error
}

func (e *sendError) Error() string {
	if e.statusCode == 0 {
		return fmt.Sprintf("Graph API error: %s", e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *sendError) Unwrap() error {
	return e.err
}

// Temporary reports whether the failure may go away on its own.
func (e *sendError) Temporary() bool {
	return e.transient
}

// RetryAfter returns the server's requested delay, or zero when none was given.
func (e *sendError) RetryAfter() time.Duration {
	if e.retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(e.retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(e.retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// classifyError categorizes an HTTP error response.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	// An expired token (401), throttling (429) and server faults can clear
	// up. Every other status is final.
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	}

	return err
}
