// Package credentials implements a flat-file username/bcrypt-hash table
// satisfying auth/sasl's PlainChecker, grounded on the teacher's
// internal/auth/pass_table module trimmed to its DefaultHash (bcrypt) only
// and backed by an in-memory map rather than a pluggable module.Table,
// since this module has no key-value store abstraction to plug into.
package credentials

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"
)

// Table maps a normalized username to its bcrypt password hash.
type Table struct {
	mu    sync.RWMutex
	users map[string][]byte
}

// NewTable returns an empty credentials table.
func NewTable() *Table {
	return &Table{users: make(map[string][]byte)}
}

func normalize(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", fmt.Errorf("credentials: invalid username: %w", err)
	}
	return key, nil
}

// SetPassword hashes password with bcrypt and stores it for username.
func (t *Table) SetPassword(username, password string) error {
	key, err := normalize(username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.users[key] = hash
	t.mu.Unlock()
	return nil
}

// Check implements auth/sasl.PlainChecker: identity must be empty or equal
// to username (no separate authorization-identity support), and password
// must match the stored bcrypt hash.
func (t *Table) Check(identity, username, password string) error {
	if identity != "" && identity != username {
		return errors.New("credentials: authorization identity must match username")
	}
	key, err := normalize(username)
	if err != nil {
		return err
	}
	t.mu.RLock()
	hash, ok := t.users[key]
	t.mu.RUnlock()
	if !ok {
		return errors.New("credentials: unknown user")
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password))
}

// LoadFile reads a "username:bcrypt-hash" pair per non-empty, non-comment
// line, the same layout the teacher's maddyctl creds commands write with
// pass_table's hash output.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := NewTable()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("credentials: %s:%d: expected username:hash", path, line)
		}
		key, err := normalize(parts[0])
		if err != nil {
			return nil, fmt.Errorf("credentials: %s:%d: %w", path, line, err)
		}
		t.users[key] = []byte(parts[1])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
