// Package tlsconfig builds the *tls.Config a Tunneled listener or a
// STARTTLS-capable Relay/Submission listener hands to the receiver,
// grounded on maddy's internal/tls package: either a static certificate
// reloaded from disk on a timer (internal/tls/file.go) or an ACME-managed
// certificate via certmagic (internal/tls/acme/acme.go).
package tlsconfig

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"

	"github.com/yonasBSD/vsmtpd/config"
)

// Source produces the certificates to present to clients. Both the static
// file loader and the ACME manager implement it.
type Source interface {
	Config() *tls.Config
}

// FileSource reloads a single cert/key pair from disk on an interval,
// adapted from the teacher's tls.loader.file.
type FileSource struct {
	certPath, keyPath string
	reloadEvery       time.Duration

	mu   sync.RWMutex
	cert tls.Certificate

	stop chan struct{}
}

// NewFileSource loads certPath/keyPath once and starts a background
// reload loop so a renewed certificate on disk is picked up without a
// restart.
func NewFileSource(certPath, keyPath string, reloadEvery time.Duration) (*FileSource, error) {
	if reloadEvery <= 0 {
		reloadEvery = 24 * time.Hour
	}
	f := &FileSource{certPath: certPath, keyPath: keyPath, reloadEvery: reloadEvery, stop: make(chan struct{})}
	if err := f.reload(); err != nil {
		return nil, err
	}
	go f.loop()
	return f, nil
}

func (f *FileSource) reload() error {
	cert, err := tls.LoadX509KeyPair(f.certPath, f.keyPath)
	if err != nil {
		return fmt.Errorf("tlsconfig: load %s/%s: %w", f.certPath, f.keyPath, err)
	}
	f.mu.Lock()
	f.cert = cert
	f.mu.Unlock()
	return nil
}

func (f *FileSource) loop() {
	t := time.NewTicker(f.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-t.C:
			f.reload()
		}
	}
}

// Close stops the reload loop.
func (f *FileSource) Close() { close(f.stop) }

// Config returns a *tls.Config that always serves the most recently
// loaded certificate.
func (f *FileSource) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			f.mu.RLock()
			defer f.mu.RUnlock()
			return &f.cert, nil
		},
		MinVersion: tls.VersionTLS12,
	}
}

// ACMESource obtains and renews certificates for a set of domains via
// certmagic, adapted from the teacher's tls.loader.acme.
type ACMESource struct {
	cfg *certmagic.Config
}

// NewACMESource starts certificate management for domains using email as
// the ACME account contact. storeDir holds the on-disk certificate cache.
func NewACMESource(ctx context.Context, domains []string, email, storeDir string) (*ACMESource, error) {
	if len(domains) == 0 {
		return nil, errors.New("tlsconfig: acme requires at least one domain")
	}

	magic := certmagic.NewDefault()
	magic.Storage = &certmagic.FileStorage{Path: storeDir}
	magic.Issuers = []certmagic.Issuer{
		certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
			CA:     certmagic.LetsEncryptProductionCA,
			Email:  email,
			Agreed: true,
		}),
	}

	if err := magic.ManageSync(ctx, domains); err != nil {
		return nil, fmt.Errorf("tlsconfig: acme: %w", err)
	}

	return &ACMESource{cfg: magic}, nil
}

// Config returns a *tls.Config backed by the certmagic manager.
func (a *ACMESource) Config() *tls.Config {
	return a.cfg.TLSConfig()
}

// Build constructs the Source a TLS block in config.Config names: a
// static file pair, or an ACME-managed certificate set if ACMEDomains is
// non-empty.
func Build(ctx context.Context, t config.TLS, stateDir string) (Source, error) {
	switch {
	case len(t.ACMEDomains) > 0:
		return NewACMESource(ctx, t.ACMEDomains, t.ACMEEmail, stateDir+"/acme")
	case t.CertFile != "" && t.KeyFile != "":
		return NewFileSource(t.CertFile, t.KeyFile, 0)
	default:
		return nil, errors.New("tlsconfig: no certificate source configured")
	}
}
