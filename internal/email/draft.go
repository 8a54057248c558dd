package email

import (
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	// DefaultContentType is the body media type of a new Draft.
	DefaultContentType = "text/plain"

	// DefaultCharset is the body charset of a new Draft.
	DefaultCharset = "UTF-8"

	// DefaultSocketConnectionTimeout is the connect timeout of a new Draft.
	DefaultSocketConnectionTimeout = 60000 * time.Millisecond

	// DefaultSocketTimeout is the read/write timeout of a new Draft.
	DefaultSocketTimeout = 60000 * time.Millisecond
)

// Draft accumulates the parts of a message. Every setter validates its
// input immediately; Build performs the checks that need the whole draft.
// A Draft is not safe for concurrent use.
type Draft struct {
	from    *Address
	to      []Address
	cc      []Address
	bcc     []Address
	replyTo []Address
	headers map[string]string

	subject     string
	content     string
	contentType string
	charset     string
	sentDate    time.Time

	hostName                string
	smtpPort                int
	socketConnectionTimeout time.Duration
	socketTimeout           time.Duration
}

// NewDraft returns an empty Draft dated now.
func NewDraft() *Draft {
	return &Draft{
		headers:                 make(map[string]string),
		contentType:             DefaultContentType,
		charset:                 DefaultCharset,
		sentDate:                time.Now(),
		socketConnectionTimeout: DefaultSocketConnectionTimeout,
		socketTimeout:           DefaultSocketTimeout,
	}
}

// SetFrom sets the sender, replacing any previous one.
func (d *Draft) SetFrom(raw string) error {
	return d.SetFromName(raw, "")
}

// SetFromName sets the sender with an explicit display name.
func (d *Draft) SetFromName(raw, displayName string) error {
	addr, err := NewAddress(raw, displayName)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	d.from = &addr
	return nil
}

// From returns the sender and whether one is set.
func (d *Draft) From() (Address, bool) {
	if d.from == nil {
		return Address{}, false
	}
	return *d.from, true
}

// AddTo appends To recipients. If any address is invalid, none are added.
func (d *Draft) AddTo(raws ...string) error {
	return appendAddresses(&d.to, "to", raws)
}

// AddCc appends Cc recipients. If any address is invalid, none are added.
func (d *Draft) AddCc(raws ...string) error {
	return appendAddresses(&d.cc, "cc", raws)
}

// AddBcc appends Bcc recipients. If any address is invalid, none are added.
func (d *Draft) AddBcc(raws ...string) error {
	return appendAddresses(&d.bcc, "bcc", raws)
}

// AddReplyTo appends a Reply-To address. A non-empty displayName replaces
// any display name carried in raw.
func (d *Draft) AddReplyTo(raw, displayName string) error {
	addr, err := NewAddress(raw, displayName)
	if err != nil {
		return fmt.Errorf("reply-to: %w", err)
	}
	d.replyTo = append(d.replyTo, addr)
	return nil
}

// appendAddresses validates the whole batch before touching dst.
func appendAddresses(dst *[]Address, field string, raws []string) error {
	if len(raws) == 0 {
		return fmt.Errorf("%s: %w: empty address list", field, ErrInvalidAddress)
	}

	parsed := make([]Address, 0, len(raws))
	for _, raw := range raws {
		addr, err := ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		parsed = append(parsed, addr)
	}

	*dst = append(*dst, parsed...)
	return nil
}

// To returns a copy of the To addresses.
func (d *Draft) To() []Address { return slices.Clone(d.to) }

// Cc returns a copy of the Cc addresses.
func (d *Draft) Cc() []Address { return slices.Clone(d.cc) }

// Bcc returns a copy of the Bcc addresses.
func (d *Draft) Bcc() []Address { return slices.Clone(d.bcc) }

// ReplyTo returns a copy of the Reply-To addresses.
func (d *Draft) ReplyTo() []Address { return slices.Clone(d.replyTo) }

// bodyHeaders describe how the body is encoded. Render derives them from
// the content type and charset, so they can not be set as custom headers.
var bodyHeaders = []string{"MIME-Version", "Content-Type", "Content-Transfer-Encoding"}

// AddHeader sets a custom header. Names are compared case-insensitively:
// setting a name again, in any case, replaces the previous entry. The value
// is stored verbatim.
func (d *Draft) AddHeader(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name can not be empty", ErrInvalidHeader)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: value for %q can not be empty", ErrInvalidHeader, name)
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c <= ' ' || c > '~' || c == ':' {
			return fmt.Errorf("%w: name %q contains invalid character %q", ErrInvalidHeader, name, c)
		}
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: value for %q contains a line break", ErrInvalidHeader, name)
	}

	for _, reserved := range bodyHeaders {
		if strings.EqualFold(name, reserved) {
			return fmt.Errorf("%w: %s is derived from the content, use SetContent or SetCharset", ErrInvalidHeader, reserved)
		}
	}

	if key, ok := headerKey(d.headers, name); ok {
		delete(d.headers, key)
	}
	d.headers[name] = value
	return nil
}

// Header returns the value of a custom header, matching name
// case-insensitively.
func (d *Draft) Header(name string) (string, bool) {
	key, ok := headerKey(d.headers, name)
	return d.headers[key], ok
}

// headerKey returns the key in headers that matches name case-insensitively.
// AddHeader keeps at most one such key.
func headerKey(headers map[string]string, name string) (string, bool) {
	if _, ok := headers[name]; ok {
		return name, true
	}
	for key := range headers {
		if strings.EqualFold(key, name) {
			return key, true
		}
	}
	return "", false
}

// Headers returns a copy of the custom headers.
func (d *Draft) Headers() map[string]string {
	return maps.Clone(d.headers)
}

// SetSubject sets the subject line.
func (d *Draft) SetSubject(subject string) {
	d.subject = subject
}

// Subject returns the subject line.
func (d *Draft) Subject() string {
	return d.subject
}

// SetContent sets the body and its media type. An empty contentType means
// text/plain. A charset parameter in contentType becomes the draft charset
// when it is known.
func (d *Draft) SetContent(content, contentType string) {
	d.content = content

	if strings.TrimSpace(contentType) == "" {
		d.contentType = DefaultContentType
		return
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, storing as given",
			"content_type", contentType,
			"error", err,
		)
		d.contentType = contentType
		return
	}
	d.contentType = mediaType

	if cs := params["charset"]; cs != "" {
		if err := d.SetCharset(cs); err != nil {
			slog.Warn("ignoring unknown charset in content type",
				"charset", cs,
				"error", err,
			)
		}
	}
}

// Content returns the body text.
func (d *Draft) Content() string {
	return d.content
}

// ContentType returns the body media type.
func (d *Draft) ContentType() string {
	return d.contentType
}

// SetCharset sets the charset the body is encoded in. The name must be
// registered with IANA.
func (d *Draft) SetCharset(name string) error {
	if !KnownCharset(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCharset, name)
	}
	d.charset = name
	return nil
}

// Charset returns the body charset.
func (d *Draft) Charset() string {
	return d.charset
}

// KnownCharset reports whether name is a MIME or IANA charset name.
func KnownCharset(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if _, err := ianaindex.MIME.Encoding(name); err == nil {
		return true
	}
	_, err := ianaindex.IANA.Encoding(name)
	return err == nil
}

// SetSentDate sets the date used for the Date header.
func (d *Draft) SetSentDate(t time.Time) {
	d.sentDate = t
}

// SentDate returns the date used for the Date header.
func (d *Draft) SentDate() time.Time {
	return d.sentDate
}

// SetHostName sets the transport host.
func (d *Draft) SetHostName(host string) {
	d.hostName = host
}

// HostName returns the transport host, empty when unset.
func (d *Draft) HostName() string {
	return d.hostName
}

// SetSMTPPort sets the transport port.
func (d *Draft) SetSMTPPort(port int) {
	d.smtpPort = port
}

// SMTPPort returns the transport port, 0 when unset.
func (d *Draft) SMTPPort() int {
	return d.smtpPort
}

// SetSocketConnectionTimeout sets the connect timeout passed to the transport.
func (d *Draft) SetSocketConnectionTimeout(timeout time.Duration) {
	d.socketConnectionTimeout = timeout
}

// SocketConnectionTimeout returns the connect timeout, 60s by default.
func (d *Draft) SocketConnectionTimeout() time.Duration {
	return d.socketConnectionTimeout
}

// SetSocketTimeout sets the read/write timeout passed to the transport.
func (d *Draft) SetSocketTimeout(timeout time.Duration) {
	d.socketTimeout = timeout
}

// SocketTimeout returns the read/write timeout, 60s by default.
func (d *Draft) SocketTimeout() time.Duration {
	return d.socketTimeout
}

// Build validates the draft as a whole and returns a snapshot of it. The
// draft stays usable; later changes do not affect the returned Message.
func (d *Draft) Build() (*Message, error) {
	if d.from == nil {
		return nil, ErrMissingSender
	}
	if len(d.to)+len(d.cc)+len(d.bcc) == 0 {
		return nil, ErrMissingRecipient
	}
	if err := validateTransport(d.hostName, d.smtpPort); err != nil {
		return nil, err
	}

	msg := &Message{
		from:        *d.from,
		to:          slices.Clone(d.to),
		cc:          slices.Clone(d.cc),
		bcc:         slices.Clone(d.bcc),
		replyTo:     slices.Clone(d.replyTo),
		headers:     maps.Clone(d.headers),
		subject:     d.subject,
		content:     d.content,
		contentType: d.contentType,
		charset:     d.charset,
		sentDate:    d.sentDate,
		transport: Transport{
			Host:                    d.hostName,
			Port:                    d.smtpPort,
			SocketConnectionTimeout: d.socketConnectionTimeout,
			SocketTimeout:           d.socketTimeout,
		},
	}
	msg.messageID = d.messageID()

	slog.Debug("message built",
		"message_id", msg.messageID,
		"to", len(msg.to),
		"cc", len(msg.cc),
		"bcc", len(msg.bcc),
	)

	return msg, nil
}

// messageID returns a Message-ID header set on the draft, or generates one
// in the sender's domain.
func (d *Draft) messageID() string {
	if value, ok := d.Header("Message-ID"); ok {
		return value
	}
	return fmt.Sprintf("<%s@%s>", uuid.Must(uuid.NewV4()), d.from.Domain())
}

// validateTransport checks the endpoint the transport will connect to.
func validateTransport(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return &TransportConfigError{Field: "host", Value: host, Reason: "host name is not set"}
	}
	if strings.ContainsAny(host, " \t\r\n") {
		return &TransportConfigError{Field: "host", Value: host, Reason: "host name contains whitespace"}
	}
	if net.ParseIP(strings.Trim(host, "[]")) == nil {
		if err := validateHostName(host); err != nil {
			return &TransportConfigError{Field: "host", Value: host, Reason: err.Error()}
		}
	}
	if port < 1 || port > 65535 {
		return &TransportConfigError{Field: "port", Value: strconv.Itoa(port), Reason: "port must be within 1-65535"}
	}
	return nil
}
