package envelope

import (
	"fmt"
	"net"

	"golang.org/x/net/idna"
)

// ClientNameKind tags the form an EHLO/HELO argument took.
type ClientNameKind int

const (
	ClientNameDomain ClientNameKind = iota
	ClientNameIP4
	ClientNameIP6
)

// ClientName is a tagged union of the three RFC 5321 EHLO argument forms:
// a domain name, an "[ipv4]" literal, or an "[IPv6:...]" literal.
type ClientName struct {
	Kind   ClientNameKind
	Domain string
	IP     net.IP
}

// ParseClientName parses an EHLO/HELO argument into a ClientName, IDNA
// normalizing bare domains and recognizing the bracketed IP literal forms.
func ParseClientName(s string) (ClientName, error) {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		inner := s[1 : len(s)-1]
		if ip := net.ParseIP(inner); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				return ClientName{Kind: ClientNameIP4, IP: ip4}, nil
			}
			return ClientName{Kind: ClientNameIP6, IP: ip}, nil
		}
		const v6prefix = "IPv6:"
		if len(inner) > len(v6prefix) && inner[:len(v6prefix)] == v6prefix {
			if ip := net.ParseIP(inner[len(v6prefix):]); ip != nil {
				return ClientName{Kind: ClientNameIP6, IP: ip}, nil
			}
		}
		return ClientName{}, fmt.Errorf("envelope: invalid address literal %q", s)
	}

	normalized, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return ClientName{}, fmt.Errorf("envelope: invalid domain %q: %w", s, err)
	}
	return ClientName{Kind: ClientNameDomain, Domain: normalized}, nil
}

func (c ClientName) String() string {
	switch c.Kind {
	case ClientNameIP4:
		return "[" + c.IP.String() + "]"
	case ClientNameIP6:
		return "[IPv6:" + c.IP.String() + "]"
	default:
		return c.Domain
	}
}
