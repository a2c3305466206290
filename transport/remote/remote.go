// Package remote implements the network-SMTP AbstractTransport (D5):
// outbound delivery to a recipient domain's MX hosts.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/yonasBSD/vsmtpd/dnsresolver"
	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/transfer"
	"github.com/yonasBSD/vsmtpd/transport"
)

// Config configures the remote transport's behavior for one delivery.
type Config struct {
	// Port is appended to every resolved MX/A host; 25 for standard MTA-to-MTA.
	Port string
	// TLSConfig is used for opportunistic STARTTLS; nil disables it.
	TLSConfig *tls.Config
	DialTimeout time.Duration
	Hostname    string // this server's identity in EHLO
}

// Transport delivers messages to remote MX hosts over SMTP.
type Transport struct {
	name     string
	resolver *dnsresolver.Resolver
}

// New constructs a remote Transport named name, resolving MX records
// through resolver.
func New(name string, resolver *dnsresolver.Resolver) *Transport {
	return &Transport{name: name, resolver: resolver}
}

func (t *Transport) Name() string { return t.name }

var _ transport.AbstractTransport = (*Transport)(nil)

func (t *Transport) Deliver(ctx context.Context, cfg transport.Config, from *envelope.Address, recipients []envelope.Address, body []byte) ([]transport.RecipientResult, error) {
	c, _ := cfg.(Config)
	if c.Port == "" {
		c.Port = "25"
	}

	byDomain := make(map[string][]envelope.Address)
	for _, r := range recipients {
		byDomain[r.Domain()] = append(byDomain[r.Domain()], r)
	}

	var results []transport.RecipientResult
	for domain, rcpts := range byDomain {
		res, err := t.deliverDomain(ctx, c, domain, from, rcpts, body)
		if err != nil {
			for _, r := range rcpts {
				results = append(results, transport.RecipientResult{
					Recipient: r,
					Status:    transfer.NewWaiting().WithHeldBackError(transfer.AttemptError{Timestamp: time.Now(), Kind: "connect", Message: err.Error()}, 0),
				})
			}
			continue
		}
		results = append(results, res...)
	}
	return results, nil
}

func (t *Transport) deliverDomain(ctx context.Context, cfg Config, domain string, from *envelope.Address, rcpts []envelope.Address, body []byte) ([]transport.RecipientResult, error) {
	hosts, err := t.resolver.LookupMX(ctx, domain)
	if err != nil || len(hosts) == 0 {
		return nil, fmt.Errorf("remote: no MX for %s: %w", domain, err)
	}

	var lastErr error
	for _, host := range hosts {
		res, err := t.trySend(ctx, cfg, host, from, rcpts, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (t *Transport) trySend(ctx context.Context, cfg Config, host string, from *envelope.Address, rcpts []envelope.Address, body []byte) ([]transport.RecipientResult, error) {
	addr := net.JoinHostPort(host, cfg.Port)
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	client, err := gosmtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer client.Close()

	if err := client.Hello(cfg.Hostname); err != nil {
		return nil, err
	}
	if cfg.TLSConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsCfg := cfg.TLSConfig.Clone()
			tlsCfg.ServerName = host
			if err := client.StartTLS(tlsCfg); err != nil {
				return nil, err
			}
		}
	}

	fromAddr := ""
	if from != nil {
		fromAddr = from.Full()
	}
	if err := client.Mail(fromAddr, nil); err != nil {
		return nil, err
	}

	results := make([]transport.RecipientResult, 0, len(rcpts))
	accepted := make([]envelope.Address, 0, len(rcpts))
	for _, r := range rcpts {
		if err := client.Rcpt(r.Full()); err != nil {
			results = append(results, transport.RecipientResult{
				Recipient: r,
				Status:    transfer.NewFailedTransport(err.Error()),
			})
			continue
		}
		accepted = append(accepted, r)
	}
	if len(accepted) == 0 {
		return results, nil
	}

	w, err := client.Data()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		for _, r := range accepted {
			results = append(results, transport.RecipientResult{Recipient: r, Status: transfer.NewFailedTransport(err.Error())})
		}
		return results, nil
	}

	for _, r := range accepted {
		results = append(results, transport.RecipientResult{Recipient: r, Status: transfer.NewSent()})
	}
	return results, nil
}
