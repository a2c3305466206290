// Package dnsresolver is a convenience wrapper over miekg/dns used by the
// remote transport (D5) to resolve MX hosts, sorted by preference, and to
// fall back to the recipient domain itself per RFC 5321 §5.1 when no MX
// record exists.
package dnsresolver

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves MX records through a configured set of recursive
// servers, falling back to the system resolver configuration when none are
// given.
type Resolver struct {
	cl  *dns.Client
	cfg *dns.ClientConfig
}

// New constructs a Resolver. If servers is empty, /etc/resolv.conf is used.
func New(servers []string, port string, timeout time.Duration) (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil && len(servers) == 0 {
		return nil, fmt.Errorf("dnsresolver: no servers given and system config unavailable: %w", err)
	}
	if cfg == nil {
		cfg = &dns.ClientConfig{Port: "53"}
	}
	if len(servers) > 0 {
		cfg.Servers = servers
	}
	if port != "" {
		cfg.Port = port
	}

	cl := &dns.Client{
		Dialer: &net.Dialer{Timeout: timeout},
	}
	return &Resolver{cl: cl, cfg: cfg}, nil
}

func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range r.cfg.Servers {
		resp, _, lastErr = r.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, r.cfg.Port))
		if lastErr == nil {
			if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
				lastErr = fmt.Errorf("dnsresolver: rcode %s", dns.RcodeToString[resp.Rcode])
				continue
			}
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dnsresolver: no servers configured")
	}
	return nil, lastErr
}

// mxHost pairs a hostname with its MX preference for sorting.
type mxHost struct {
	host string
	pref uint16
}

// LookupMX returns domain's MX hosts ordered by ascending preference. If
// domain has no MX records (NXDOMAIN or an empty answer, as permitted by
// RFC 5321 §5.1), it returns []string{domain} so callers can still attempt
// direct delivery to the A/AAAA host.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	if resp.Rcode == dns.RcodeNameError {
		return []string{domain}, nil
	}

	hosts := make([]mxHost, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		hosts = append(hosts, mxHost{host: trimDot(mx.Mx), pref: mx.Preference})
	}
	if len(hosts) == 0 {
		return []string{domain}, nil
	}

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].pref < hosts[j].pref })

	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.host
	}
	return out, nil
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
