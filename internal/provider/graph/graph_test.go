package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mailbuilder/internal/email"
)

func newMessage(t *testing.T, setup func(d *email.Draft)) *email.Message {
	t.Helper()

	d := email.NewDraft()
	d.SetHostName("smtp.office365.com")
	d.SetSMTPPort(587)
	if err := d.SetFrom("sender@example.com"); err != nil {
		t.Fatalf("SetFrom: %v", err)
	}
	setup(d)

	msg, err := d.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return msg
}

// newTokenServer returns a token endpoint that counts its calls.
func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != "client_credentials" {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), "client_credentials")
		}
		if r.FormValue("client_id") != "test-client" {
			t.Errorf("client_id: got %q, want %q", r.FormValue("client_id"), "test-client")
		}
		if r.FormValue("client_secret") != "test-secret" {
			t.Errorf("client_secret: got %q, want %q", r.FormValue("client_secret"), "test-secret")
		}
		if r.FormValue("scope") != "https://graph.microsoft.com/.default" {
			t.Errorf("scope: got %q, want %q", r.FormValue("scope"), "https://graph.microsoft.com/.default")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newProvider(graphServer, tokenServer *httptest.Server) *GraphProvider {
	return newWithOverrides(
		context.Background(),
		GraphProviderConfig{
			TenantID:     "test-tenant",
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			Sender:       "sender@example.com",
		},
		graphServer.URL,
		tokenServer.URL,
		graphServer.Client(),
	)
}

func TestBuildSendMailRequest_BasicMessage(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("alice@example.com", "Bob <bob@example.com>")
		d.SetSubject("Test Subject")
		d.SetContent("Hello, World!", "text/plain")
	})

	req := buildSendMailRequest(msg)

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "text")
	}
	if req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "Hello, World!")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if req.Message.ToRecipients[0].EmailAddress.Address != "alice@example.com" {
		t.Errorf("ToRecipients[0]: got %q, want %q", req.Message.ToRecipients[0].EmailAddress.Address, "alice@example.com")
	}
	if got := req.Message.ToRecipients[1].EmailAddress; got.Address != "bob@example.com" || got.Name != "Bob" {
		t.Errorf("ToRecipients[1]: got %+v", got)
	}
	if len(req.Message.CcRecipients) != 0 || len(req.Message.BccRecipients) != 0 {
		t.Error("expected no Cc or Bcc recipients")
	}
	if req.Message.InternetMessageID != msg.MessageID() {
		t.Errorf("InternetMessageID: got %q, want %q", req.Message.InternetMessageID, msg.MessageID())
	}
	if !req.SaveToSentItems {
		t.Error("SaveToSentItems should be true")
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("user@example.com")
		d.SetContent("<p>HTML content</p>", "text/html")
	})

	req := buildSendMailRequest(msg)

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "<p>HTML content</p>")
	}
}

func TestBuildSendMailRequest_RecipientKinds(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("alice@example.com")
		d.AddCc("carol@example.com", "dave@example.com")
		d.AddBcc("hidden@example.com")
		d.AddReplyTo("replies@example.com", "Replies")
	})

	req := buildSendMailRequest(msg)

	if len(req.Message.CcRecipients) != 2 {
		t.Fatalf("CcRecipients count: got %d, want 2", len(req.Message.CcRecipients))
	}
	if req.Message.CcRecipients[0].EmailAddress.Address != "carol@example.com" {
		t.Errorf("CcRecipients[0]: got %q, want %q", req.Message.CcRecipients[0].EmailAddress.Address, "carol@example.com")
	}
	if len(req.Message.BccRecipients) != 1 || req.Message.BccRecipients[0].EmailAddress.Address != "hidden@example.com" {
		t.Errorf("BccRecipients: got %+v", req.Message.BccRecipients)
	}
	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Name != "Replies" {
		t.Errorf("ReplyTo: got %+v", req.Message.ReplyTo)
	}
}

func TestBuildSendMailRequest_OnlyXHeaders(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("alice@example.com")
		d.AddHeader("X-Campaign", "spring")
		d.AddHeader("Organization", "Example Corp")
	})

	req := buildSendMailRequest(msg)

	if len(req.Message.InternetMessageHeaders) != 1 {
		t.Fatalf("InternetMessageHeaders: got %+v, want one header", req.Message.InternetMessageHeaders)
	}
	h := req.Message.InternetMessageHeaders[0]
	if h.Name != "X-Campaign" || h.Value != "spring" {
		t.Errorf("header: got %+v", h)
	}
}

func TestBuildSendMailRequest_HeadersSorted(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("alice@example.com")
		d.AddHeader("X-Zeta", "z")
		d.AddHeader("X-Alpha", "a")
		d.AddHeader("X-Mid", "m")
	})

	for i := 0; i < 5; i++ {
		req := buildSendMailRequest(msg)
		var names []string
		for _, h := range req.Message.InternetMessageHeaders {
			names = append(names, h.Name)
		}
		if len(names) != 3 || names[0] != "X-Alpha" || names[1] != "X-Mid" || names[2] != "X-Zeta" {
			t.Fatalf("InternetMessageHeaders order: got %v", names)
		}
	}
}

func TestBuildSendMailRequest_BccOnlyHasEmptyTo(t *testing.T) {
	t.Parallel()

	msg := newMessage(t, func(d *email.Draft) {
		d.AddBcc("hidden@example.com")
	})

	data, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded struct {
		Message map[string]json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got := string(decoded.Message["toRecipients"]); got != "[]" {
		t.Errorf("toRecipients: got %s, want []", got)
	}
	if _, ok := decoded.Message["ccRecipients"]; ok {
		t.Error("ccRecipients should be omitted when empty")
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newProvider(graphServer, tokenServer)

	msg := newMessage(t, func(d *email.Draft) {
		d.AddTo("user@example.com")
		d.SetSubject("Test")
	})

	for i := 0; i < 2; i++ {
		if err := p.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d: unexpected error: %v", i, err)
		}
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token requests: got %d, want 1 (token should be reused)", got)
	}
}

func TestGraphProvider_ErrorResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		retryAfter    string
		wantTemporary bool
		wantDelay     time.Duration
	}{
		{name: "bad request", status: http.StatusBadRequest, wantTemporary: false},
		{name: "forbidden", status: http.StatusForbidden, wantTemporary: false},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantTemporary: true},
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", wantTemporary: true, wantDelay: 7 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tokenServer := newTokenServer(t, nil)

			var calls atomic.Int32
			graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(graphErrorResponse{
					Error: graphError{Code: "ErrorCode", Message: "Invalid recipient"},
				})
			}))
			defer graphServer.Close()

			p := newProvider(graphServer, tokenServer)

			err := p.Send(context.Background(), newMessage(t, func(d *email.Draft) {
				d.AddTo("bad@example.com")
			}))
			if err == nil {
				t.Fatalf("expected error for %d response, got nil", tt.status)
			}
			if calls.Load() != 1 {
				t.Errorf("requests: got %d, want 1", calls.Load())
			}

			var sendErr *sendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("expected *sendError, got %T", err)
			}
			if sendErr.Temporary() != tt.wantTemporary {
				t.Errorf("Temporary(): got %v, want %v", sendErr.Temporary(), tt.wantTemporary)
			}
			if sendErr.RetryAfter() != tt.wantDelay {
				t.Errorf("RetryAfter(): got %v, want %v", sendErr.RetryAfter(), tt.wantDelay)
			}
			if sendErr.message != "Invalid recipient" {
				t.Errorf("message: got %q, want %q", sendErr.message, "Invalid recipient")
			}
		})
	}
}

func TestGraphProvider_TokenFailure(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer tokenServer.Close()

	var graphCalls atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCalls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newProvider(graphServer, tokenServer)

	err := p.Send(context.Background(), newMessage(t, func(d *email.Draft) {
		d.AddTo("user@example.com")
	}))
	if err == nil {
		t.Fatal("expected error for failed token request, got nil")
	}
	if graphCalls.Load() != 0 {
		t.Error("Graph API should not be called without a token")
	}
}

func TestGraphProvider_ContextCancellation(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newProvider(graphServer, tokenServer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, newMessage(t, func(d *email.Draft) {
		d.AddTo("user@example.com")
	}))
	if err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		temporary  bool
	}{
		{name: "400 Bad Request", statusCode: 400, temporary: false},
		{name: "401 Unauthorized", statusCode: 401, temporary: true},
		{name: "403 Forbidden", statusCode: 403, temporary: false},
		{name: "404 Not Found", statusCode: 404, temporary: false},
		{name: "429 Too Many Requests", statusCode: 429, temporary: true},
		{name: "500 Internal Server Error", statusCode: 500, temporary: true},
		{name: "503 Service Unavailable", statusCode: 503, temporary: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.Temporary() != tt.temporary {
				t.Errorf("Temporary(): got %v, want %v", err.Temporary(), tt.temporary)
			}
			if err.statusCode != tt.statusCode {
				t.Errorf("statusCode: got %d, want %d", err.statusCode, tt.statusCode)
			}
		})
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{
		message:    "test error",
		statusCode: 500,
	}

	expected := "Graph API error (HTTP 500): test error"
	if err.Error() != expected {
		t.Errorf("Error(): got %q, want %q", err.Error(), expected)
	}
}

func TestSendError_RetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	when := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	err := classifyError(http.StatusTooManyRequests, "slow down", when)

	d := err.RetryAfter()
	if d <= 0 || d > 90*time.Second {
		t.Errorf("RetryAfter(): got %v, want a delay up to 90s", d)
	}
}
