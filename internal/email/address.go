package email

import (
	"fmt"
	"net"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// Address is a validated mailbox with an optional display name.
type Address struct {
	// Mailbox is the local-part@domain portion, without display name.
	Mailbox string
	// DisplayName is empty when the address has none.
	DisplayName string
}

// literalPlaceholder stands in for a domain literal while net/mail, which
// has no domain-literal support, parses the rest of the address.
const literalPlaceholder = "domain-literal.invalid"

// ParseAddress validates raw and returns the Address it describes. raw may
// carry a display name ("Jane Doe <jane@example.com>"). Only syntax is
// checked, no DNS lookups are made. A local part that needs quoting keeps
// its quotes in Mailbox, so Mailbox always parses back to itself.
func ParseAddress(raw string) (Address, error) {
	parsed, literal, err := parseMailAddress(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, raw, err)
	}

	at := strings.LastIndexByte(parsed.Address, '@')
	if at <= 0 || at == len(parsed.Address)-1 {
		return Address{}, fmt.Errorf("%w %q: missing local-part or domain", ErrInvalidAddress, raw)
	}
	local, domain := parsed.Address[:at], parsed.Address[at+1:]
	if literal != "" {
		domain = literal
	}
	if err := validateMailDomain(domain); err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, raw, err)
	}

	return Address{Mailbox: formatMailbox(local, domain), DisplayName: parsed.Name}, nil
}

// parseMailAddress runs net/mail on raw. When that fails and raw ends its
// addr-spec in a domain literal such as "[192.0.2.1]", the literal is
// swapped for a placeholder, parsed, and returned separately.
func parseMailAddress(raw string) (*mail.Address, string, error) {
	parsed, err := mail.ParseAddress(raw)
	if err == nil {
		return parsed, "", nil
	}

	start := strings.LastIndex(raw, "@[")
	if start < 0 {
		return nil, "", err
	}
	end := strings.IndexByte(raw[start:], ']')
	if end < 0 {
		return nil, "", err
	}
	literal := raw[start+1 : start+end+1]
	substituted := raw[:start+1] + literalPlaceholder + raw[start+end+1:]

	parsed, litErr := mail.ParseAddress(substituted)
	if litErr != nil || !strings.HasSuffix(parsed.Address, "@"+literalPlaceholder) {
		return nil, "", err
	}
	parsed.Address = strings.TrimSuffix(parsed.Address, literalPlaceholder) + literal
	return parsed, literal, nil
}

// formatMailbox joins an unquoted local part and a domain, quoting the
// local part when it is not a dot-atom.
func formatMailbox(local, domain string) string {
	s := (&mail.Address{Address: local + "@" + domain}).String()
	return strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
}

// unquoteLocal reverses the quoting applied by formatMailbox.
func unquoteLocal(local string) string {
	if len(local) < 2 || local[0] != '"' || local[len(local)-1] != '"' {
		return local
	}
	var b strings.Builder
	inner := local[1 : len(local)-1]
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// NewAddress validates raw and sets displayName on the result when it is
// non-empty, replacing any display name parsed from raw.
func NewAddress(raw, displayName string) (Address, error) {
	addr, err := ParseAddress(raw)
	if err != nil {
		return Address{}, err
	}
	if displayName != "" {
		addr.DisplayName = displayName
	}
	return addr, nil
}

// LocalPart returns the part of the mailbox before the last "@", with any
// quotes kept.
func (a Address) LocalPart() string {
	if at := strings.LastIndexByte(a.Mailbox, '@'); at >= 0 {
		return a.Mailbox[:at]
	}
	return a.Mailbox
}

// Domain returns the part of the mailbox after the last "@".
func (a Address) Domain() string {
	if at := strings.LastIndexByte(a.Mailbox, '@'); at >= 0 {
		return a.Mailbox[at+1:]
	}
	return ""
}

// String formats the address for use in a message header, encoding the
// display name when needed.
func (a Address) String() string {
	addr := unquoteLocal(a.LocalPart()) + "@" + a.Domain()
	return (&mail.Address{Name: a.DisplayName, Address: addr}).String()
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a == Address{}
}

// validateMailDomain checks the domain of a mailbox. Address literals must
// hold a valid IP, DNS names need at least two labels and must pass IDNA
// lookup rules.
func validateMailDomain(domain string) error {
	if strings.HasPrefix(domain, "[") {
		if !strings.HasSuffix(domain, "]") {
			return fmt.Errorf("unclosed address literal")
		}
		literal := strings.TrimPrefix(domain[1:len(domain)-1], "IPv6:")
		if net.ParseIP(literal) == nil {
			return fmt.Errorf("invalid address literal")
		}
		return nil
	}
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain %q has no dot", domain)
	}
	return validateHostName(domain)
}

// validateHostName checks a DNS name for empty labels and IDNA validity.
func validateHostName(name string) error {
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("empty label in %q", name)
		}
	}
	if _, err := idna.Lookup.ToASCII(name); err != nil {
		return fmt.Errorf("domain %q: %w", name, err)
	}
	return nil
}
