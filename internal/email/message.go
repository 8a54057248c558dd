// Package email defines the message model: validated addresses, the mutable
// Draft that accumulates a message, and the immutable Message it builds.
package email

import (
	"maps"
	"slices"
	"time"
)

// RecipientCounts holds the number of addresses per recipient type.
type RecipientCounts struct {
	To  int
	Cc  int
	Bcc int
}

// Total returns the number of envelope recipients.
func (c RecipientCounts) Total() int {
	return c.To + c.Cc + c.Bcc
}

// Transport holds the endpoint settings passed through to the delivery
// backend. They are validated by Build but not used by this package.
type Transport struct {
	Host                    string
	Port                    int
	SocketConnectionTimeout time.Duration
	SocketTimeout           time.Duration
}

// Message is an immutable snapshot of a Draft taken by Draft.Build. All
// accessors return copies, so a Message is safe to share between goroutines.
type Message struct {
	from        Address
	to          []Address
	cc          []Address
	bcc         []Address
	replyTo     []Address
	headers     map[string]string
	subject     string
	content     string
	contentType string
	charset     string
	sentDate    time.Time
	messageID   string
	transport   Transport
}

// From returns the sender address.
func (m *Message) From() Address {
	return m.from
}

// To returns the To addresses in the order they were added.
func (m *Message) To() []Address {
	return slices.Clone(m.to)
}

// Cc returns the Cc addresses in the order they were added.
func (m *Message) Cc() []Address {
	return slices.Clone(m.cc)
}

// Bcc returns the Bcc addresses in the order they were added.
func (m *Message) Bcc() []Address {
	return slices.Clone(m.bcc)
}

// ReplyTo returns the Reply-To addresses in the order they were added.
func (m *Message) ReplyTo() []Address {
	return slices.Clone(m.replyTo)
}

// Recipients returns every envelope recipient: To, then Cc, then Bcc.
func (m *Message) Recipients() []Address {
	all := make([]Address, 0, len(m.to)+len(m.cc)+len(m.bcc))
	all = append(all, m.to...)
	all = append(all, m.cc...)
	return append(all, m.bcc...)
}

// Counts returns the number of To, Cc and Bcc addresses.
func (m *Message) Counts() RecipientCounts {
	return RecipientCounts{To: len(m.to), Cc: len(m.cc), Bcc: len(m.bcc)}
}

// Headers returns a copy of the custom headers.
func (m *Message) Headers() map[string]string {
	return maps.Clone(m.headers)
}

// Header returns the value of a custom header, matching name
// case-insensitively.
func (m *Message) Header(name string) (string, bool) {
	key, ok := headerKey(m.headers, name)
	return m.headers[key], ok
}

// Subject returns the subject line.
func (m *Message) Subject() string {
	return m.subject
}

// Content returns the body text.
func (m *Message) Content() string {
	return m.content
}

// ContentType returns the media type of the body, e.g. "text/plain".
func (m *Message) ContentType() string {
	return m.contentType
}

// Charset returns the charset the body is to be encoded in.
func (m *Message) Charset() string {
	return m.charset
}

// SentDate returns the date for the Date header.
func (m *Message) SentDate() time.Time {
	return m.sentDate
}

// MessageID returns the Message-ID, including angle brackets.
func (m *Message) MessageID() string {
	return m.messageID
}

// Transport returns the endpoint settings the message was built with.
func (m *Message) Transport() Transport {
	return m.transport
}
