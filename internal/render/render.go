// Package render serializes built messages into single-part RFC 5322 form.
package render

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/shineum/mailbuilder/internal/email"
)

// maxLineLength is the hard limit on line length from RFC 5322 §2.1.1.
const maxLineLength = 998

// foldWidth is the preferred header line length.
const foldWidth = 78

type field struct {
	name  string
	value string
	// folded marks values that already carry their own line breaks.
	folded bool
}

// Render returns msg as RFC 5322 bytes with CRLF line endings. Bcc
// recipients are not written.
func Render(msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := WriteTo(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes msg to w and returns the number of bytes written.
func WriteTo(w io.Writer, msg *email.Message) (int64, error) {
	body, err := encodeCharset(msg.Charset(), normalizeNewlines(msg.Content()))
	if err != nil {
		return 0, fmt.Errorf("failed to encode body: %w", err)
	}

	transferEncoding := "7bit"
	if needsQuotedPrintable(body) {
		transferEncoding = "quoted-printable"
	}

	var buf bytes.Buffer
	for _, f := range headerFields(msg, transferEncoding) {
		value := f.value
		if !f.folded {
			value = fold(f.name, value)
		}
		line := f.name + ": " + value
		for _, l := range strings.Split(line, "\r\n") {
			if len(l) > maxLineLength {
				return 0, fmt.Errorf("header %s has a line longer than %d characters", f.name, maxLineLength)
			}
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	if transferEncoding == "quoted-printable" {
		qp := quotedprintable.NewWriter(&buf)
		if _, err := qp.Write(body); err != nil {
			return 0, fmt.Errorf("failed to write quoted-printable body: %w", err)
		}
		if err := qp.Close(); err != nil {
			return 0, fmt.Errorf("failed to close quoted-printable body: %w", err)
		}
	} else {
		buf.Write(body)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// headerFields returns the generated headers followed by the custom ones.
// A custom header that shares its name with a generated one replaces it.
func headerFields(msg *email.Message, transferEncoding string) []field {
	fields := []field{
		{name: "Date", value: msg.SentDate().Format(time.RFC1123Z)},
		{name: "From", value: msg.From().String()},
	}
	if to := msg.To(); len(to) > 0 {
		fields = append(fields, field{"To", addressList("To", to), true})
	}
	if cc := msg.Cc(); len(cc) > 0 {
		fields = append(fields, field{"Cc", addressList("Cc", cc), true})
	}
	if replyTo := msg.ReplyTo(); len(replyTo) > 0 {
		fields = append(fields, field{"Reply-To", addressList("Reply-To", replyTo), true})
	}

	contentType := mime.FormatMediaType(msg.ContentType(), map[string]string{"charset": msg.Charset()})
	if contentType == "" {
		contentType = msg.ContentType()
	}

	fields = append(fields,
		field{name: "Subject", value: mime.QEncoding.Encode("utf-8", msg.Subject())},
		field{name: "Message-ID", value: msg.MessageID()},
		field{name: "MIME-Version", value: "1.0"},
		field{name: "Content-Type", value: contentType},
		field{name: "Content-Transfer-Encoding", value: transferEncoding},
	)

	custom := msg.Headers()
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		replaced := false
		for i := range fields {
			if strings.EqualFold(fields[i].name, name) {
				fields[i] = field{name: name, value: custom[name]}
				replaced = true
				break
			}
		}
		if !replaced {
			fields = append(fields, field{name: name, value: custom[name]})
		}
	}

	return fields
}

// addressList joins addresses, folding onto continuation lines when a line
// would grow past foldWidth.
func addressList(name string, addrs []email.Address) string {
	var b strings.Builder
	lineLen := len(name) + 2
	for i, addr := range addrs {
		s := addr.String()
		if i > 0 {
			if lineLen+len(s)+2 > foldWidth {
				b.WriteString(",\r\n ")
				lineLen = 1
			} else {
				b.WriteString(", ")
				lineLen += 2
			}
		}
		b.WriteString(s)
		lineLen += len(s)
	}
	return b.String()
}

// fold breaks value onto continuation lines at spaces, keeping lines within
// foldWidth where the words allow it. A break is only placed before a
// non-empty word so no continuation line is blank.
func fold(name, value string) string {
	var b strings.Builder
	lineLen := len(name) + 2
	for i, word := range strings.Split(value, " ") {
		if i > 0 {
			if word != "" && lineLen+1+len(word) > foldWidth {
				b.WriteString("\r\n")
				lineLen = 0
			}
			b.WriteByte(' ')
			lineLen++
		}
		b.WriteString(word)
		lineLen += len(word)
	}
	return b.String()
}

// normalizeNewlines converts bare LF and CR line endings to CRLF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// encodeCharset transcodes UTF-8 text into charset. Runes the charset cannot
// represent are replaced.
func encodeCharset(charset, s string) ([]byte, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii":
		return []byte(s), nil
	}

	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return nil, fmt.Errorf("no encoder for charset %q", charset)
	}

	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to transcode to %s: %w", charset, err)
	}
	return out, nil
}

// needsQuotedPrintable reports whether body has 8-bit bytes or lines that
// are too long to send as 7bit.
func needsQuotedPrintable(body []byte) bool {
	for _, line := range bytes.Split(body, []byte("\r\n")) {
		if len(line) > maxLineLength {
			return true
		}
		for _, c := range line {
			if c >= 0x80 || c == 0 {
				return true
			}
		}
	}
	return false
}
