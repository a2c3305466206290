// Package envelope implements the transactional context model (C5): the
// stage-typed envelope that accumulates fields from Connect through
// Finished, its field-access invariants, and the Incoming/Outgoing/Internal
// routing classification, plus the supporting Address/ClientName value
// types and the per-recipient delivery entries (carrying transfer.Status).
package envelope

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Address is a parsed mailbox: an '@'-delimited local-part and an
// IDNA-valid domain. Construction is total — it fails on malformed input.
// Equality is case-sensitive on the full address text, matching the
// source's byte-exact comparison semantics.
type Address struct {
	full   string
	atSign int
}

// ParseAddress parses s (without surrounding angle brackets) into an
// Address. The empty string is rejected; callers representing the null
// sender "<>" should use a nil *Address instead.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("envelope: empty mail address")
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("envelope: malformed mail address %q", s)
	}
	domain := s[at+1:]
	if _, err := idna.Lookup.ToASCII(domain); err != nil {
		return Address{}, fmt.Errorf("envelope: invalid domain in address %q: %w", s, err)
	}
	return Address{full: s, atSign: at}, nil
}

// NewAddressUnchecked builds an Address without validation; used when the
// caller has already validated the text (e.g. round-tripping from disk).
func NewAddressUnchecked(full string, atSign int) Address {
	return Address{full: full, atSign: atSign}
}

// Full returns the complete address text.
func (a Address) Full() string { return a.full }

// LocalPart returns the part before '@'.
func (a Address) LocalPart() string { return a.full[:a.atSign] }

// Domain returns the part after '@'.
func (a Address) Domain() string { return a.full[a.atSign+1:] }

// Equal is case-sensitive full-text comparison.
func (a Address) Equal(other Address) bool { return a.full == other.full }

func (a Address) String() string { return a.full }
