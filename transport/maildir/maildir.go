// Package maildir implements the local-delivery AbstractTransport (D6):
// writing accepted messages into per-recipient Maildir mailboxes.
package maildir

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yonasBSD/vsmtpd/envelope"
	"github.com/yonasBSD/vsmtpd/transfer"
	"github.com/yonasBSD/vsmtpd/transport"
)

// Config configures where a recipient's Maildir lives.
type Config struct {
	// BaseDir holds one subdirectory per recipient, named by
	// MailboxName. Each subdirectory has the standard tmp/new/cur layout.
	BaseDir string
	// MailboxName maps a recipient address to the name of its
	// subdirectory under BaseDir. If nil, the recipient's full address
	// is used.
	MailboxName func(envelope.Address) string
}

// Transport delivers messages into local Maildir mailboxes.
type Transport struct {
	name string
}

// New constructs a local maildir Transport.
func New(name string) *Transport {
	return &Transport{name: name}
}

func (t *Transport) Name() string { return t.name }

var _ transport.AbstractTransport = (*Transport)(nil)

func (t *Transport) Deliver(ctx context.Context, cfg transport.Config, from *envelope.Address, recipients []envelope.Address, body []byte) ([]transport.RecipientResult, error) {
	c, _ := cfg.(Config)
	if c.BaseDir == "" {
		return nil, fmt.Errorf("maildir: BaseDir not configured")
	}

	results := make([]transport.RecipientResult, 0, len(recipients))
	for _, r := range recipients {
		name := r.Full()
		if c.MailboxName != nil {
			name = c.MailboxName(r)
		}
		if err := deliverOne(filepath.Join(c.BaseDir, sanitize(name)), body); err != nil {
			results = append(results, transport.RecipientResult{
				Recipient: r,
				Status:    transfer.NewFailedTransport(err.Error()),
			})
			continue
		}
		results = append(results, transport.RecipientResult{Recipient: r, Status: transfer.NewSent()})
	}
	return results, nil
}

// deliverOne writes body into the mailbox rooted at dir, following the
// Maildir tmp-then-rename-into-new convention: a message becomes visible
// to readers only once its rename into new/ completes.
func deliverOne(dir string, body []byte) error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return err
		}
	}

	key, err := deliveryKey()
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, "tmp", key)
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	newPath := filepath.Join(dir, "new", key)
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// deliveryKey builds a unique Maildir filename per the time.pid.hostname
// convention, substituting a random suffix for the pid/hostname component
// since delivery here is not tied to a single long-lived process name.
func deliveryKey() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%s.vsmtpd", time.Now().UnixNano(), hex.EncodeToString(buf)), nil
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, string(filepath.Separator), "_")
}
