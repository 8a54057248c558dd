// Package parser loads RFC 5322 messages into drafts, so an existing
// message can serve as a template for a new one.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding/ianaindex"

	"github.com/shineum/mailbuilder/internal/email"
)

// ErrNoTextBody is returned for a multipart message without any text part.
var ErrNoTextBody = errors.New("message has no text body")

// structuralHeaders are turned into draft fields instead of custom headers.
// Message-Id is dropped so that every build gets a fresh one.
var structuralHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

// body is the text selected as the draft content.
type body struct {
	mediaType string
	charset   string
	content   []byte
}

// Parse parses a raw RFC 5322 message into a new Draft. Addresses and
// headers go through the draft's validating setters, so an invalid address
// fails the parse. For multipart messages the first text/plain part is used,
// or the first text/html part when there is no plain one.
func Parse(raw []byte) (*email.Draft, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	d := email.NewDraft()

	if err := applyAddresses(d, msg.Header); err != nil {
		return nil, err
	}

	if v := msg.Header.Get("Subject"); v != "" {
		subject, err := wordDecoder.DecodeHeader(v)
		if err != nil {
			slog.Warn("failed to decode subject, keeping raw value",
				"subject", v,
				"error", err,
			)
			subject = v
		}
		d.SetSubject(subject)
	}

	if msg.Header.Get("Date") != "" {
		date, err := msg.Header.Date()
		if err != nil {
			slog.Warn("ignoring unparseable date header",
				"date", msg.Header.Get("Date"),
				"error", err,
			)
		} else {
			d.SetSentDate(date)
		}
	}

	b, err := readBody(textproto.MIMEHeader(msg.Header), msg.Body)
	if err != nil {
		return nil, err
	}
	d.SetContent(decodeCharset(b.charset, b.content), b.mediaType)
	if b.charset != "" {
		if err := d.SetCharset(b.charset); err != nil {
			slog.Warn("unknown body charset, keeping default",
				"charset", b.charset,
				"error", err,
			)
		}
	}

	for key, values := range msg.Header {
		if structuralHeaders[key] || len(values) == 0 {
			continue
		}
		if len(values) > 1 {
			slog.Debug("header repeated, keeping last value",
				"header", key,
				"count", len(values),
			)
		}
		if err := d.AddHeader(key, values[len(values)-1]); err != nil {
			slog.Warn("skipping invalid header",
				"header", key,
				"error", err,
			)
		}
	}

	return d, nil
}

// applyAddresses copies the address headers into d.
func applyAddresses(d *email.Draft, h mail.Header) error {
	if v := h.Get("From"); v != "" {
		from, err := addressParser.Parse(v)
		if err != nil {
			return fmt.Errorf("from: %w %q: %v", email.ErrInvalidAddress, v, err)
		}
		if err := d.SetFromName(addrSpec(from), from.Name); err != nil {
			return err
		}
	}

	lists := []struct {
		header string
		add    func(...string) error
	}{
		{"To", d.AddTo},
		{"Cc", d.AddCc},
		{"Bcc", d.AddBcc},
	}
	for _, l := range lists {
		addrs, err := parseAddressList(h, l.header)
		if err != nil {
			return err
		}
		if len(addrs) == 0 {
			continue
		}
		raws := make([]string, 0, len(addrs))
		for _, a := range addrs {
			raws = append(raws, a.String())
		}
		if err := l.add(raws...); err != nil {
			return err
		}
	}

	replyTo, err := parseAddressList(h, "Reply-To")
	if err != nil {
		return err
	}
	for _, a := range replyTo {
		if err := d.AddReplyTo(addrSpec(a), a.Name); err != nil {
			return err
		}
	}

	return nil
}

// addrSpec returns the angle-addr form of a, quoting the local part again
// where net/mail removed the quotes.
func addrSpec(a *mail.Address) string {
	return (&mail.Address{Address: a.Address}).String()
}

// parseAddressList parses every occurrence of an address header.
func parseAddressList(h mail.Header, name string) ([]*mail.Address, error) {
	var all []*mail.Address
	for _, v := range h[textproto.CanonicalMIMEHeaderKey(name)] {
		if strings.TrimSpace(v) == "" {
			continue
		}
		addrs, err := addressParser.ParseList(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w %q: %v", strings.ToLower(name), email.ErrInvalidAddress, v, err)
		}
		all = append(all, addrs...)
	}
	return all, nil
}

// readBody selects and decodes the text body of a message or part.
func readBody(header textproto.MIMEHeader, r io.Reader) (body, error) {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return body{}, fmt.Errorf("multipart message missing boundary")
		}
		b, found, err := selectTextPart(r, boundary)
		if err != nil {
			return body{}, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		if !found {
			return body{}, ErrNoTextBody
		}
		return b, nil
	}

	content, err := decodeTransfer(header.Get("Content-Transfer-Encoding"), r)
	if err != nil {
		return body{}, fmt.Errorf("failed to read message body: %w", err)
	}
	if !strings.HasPrefix(mediaType, "text/") {
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
	}
	return body{mediaType: mediaType, charset: params["charset"], content: content}, nil
}

// selectTextPart walks a multipart body and returns the first text/plain
// part, falling back to the first text/html part. Attachments and other
// parts are skipped.
func selectTextPart(r io.Reader, boundary string) (body, bool, error) {
	reader := multipart.NewReader(r, boundary)

	var html *body
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return body{}, false, fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			nested, found, err := selectTextPart(part, nestedBoundary)
			if err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
				continue
			}
			if found && nested.mediaType == "text/plain" {
				return nested, true, nil
			}
			if found && html == nil {
				html = &nested
			}
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(strings.ToLower(disposition), "attachment") {
			slog.Warn("skipping attachment, only single-part content is kept",
				"content_type", mediaType,
				"filename", part.FileName(),
			)
			continue
		}

		if mediaType != "text/plain" && mediaType != "text/html" {
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
			continue
		}

		// The multipart reader already removes quoted-printable encoding.
		content, err := decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		b := body{mediaType: mediaType, charset: params["charset"], content: content}
		if mediaType == "text/plain" {
			return b, true, nil
		}
		if html == nil {
			html = &b
		}
	}

	if html != nil {
		return *html, true, nil
	}
	return body{}, false, nil
}

// decodeTransfer reads r, undoing base64 or quoted-printable transfer
// encoding. Other encodings are returned as read.
func decodeTransfer(encoding string, r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Try with RawStdEncoding for unpadded base64
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// decodeCharset converts data from charset to UTF-8. Unknown charsets are
// passed through unchanged.
func decodeCharset(charset string, data []byte) string {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8", "utf8":
		return string(data)
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		slog.Warn("no decoder for charset, keeping raw bytes",
			"charset", charset,
		)
		return string(data)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		slog.Warn("failed to decode body charset, keeping raw bytes",
			"charset", charset,
			"error", err,
		)
		return string(data)
	}
	return string(decoded)
}

// charsetReader lets the word decoder handle any IANA charset.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc.NewDecoder().Reader(input), nil
}
