package graph

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/shineum/mailbuilder/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject                string          `json:"subject"`
	Body                   messageBody     `json:"body"`
	ToRecipients           []recipient     `json:"toRecipients"`
	CcRecipients           []recipient     `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient     `json:"bccRecipients,omitempty"`
	ReplyTo                []recipient     `json:"replyTo,omitempty"`
	InternetMessageID      string          `json:"internetMessageId,omitempty"`
	InternetMessageHeaders []messageHeader `json:"internetMessageHeaders,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a built message into a Graph API sendMail
// request body. Graph only accepts custom headers whose names start with
// "x-", so other custom headers are dropped with a warning.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.Content(),
	}
	if msg.ContentType() == "text/html" {
		body.ContentType = "html"
	}

	custom := msg.Headers()
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers []messageHeader
	for _, name := range names {
		if !strings.HasPrefix(strings.ToLower(name), "x-") {
			slog.Warn("Graph API only accepts x- headers, dropping header",
				"header", name,
			)
			continue
		}
		headers = append(headers, messageHeader{Name: name, Value: custom[name]})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:                msg.Subject(),
			Body:                   body,
			ToRecipients:           recipients(msg.To()),
			CcRecipients:           recipients(msg.Cc()),
			BccRecipients:          recipients(msg.Bcc()),
			ReplyTo:                recipients(msg.ReplyTo()),
			InternetMessageID:      msg.MessageID(),
			InternetMessageHeaders: headers,
		},
		SaveToSentItems: true,
	}
}

// recipients never returns nil, so an empty toRecipients is sent as [].
func recipients(addrs []email.Address) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipient{
			EmailAddress: emailAddress{Address: a.Mailbox, Name: a.DisplayName},
		})
	}
	return out
}
