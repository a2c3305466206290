package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetPasswordAndCheck(t *testing.T) {
	tbl := NewTable()
	if err := tbl.SetPassword("Alice", "hunter2"); err != nil {
		t.Fatal(err)
	}

	if err := tbl.Check("", "alice", "hunter2"); err != nil {
		t.Errorf("expected case-folded username to match: %v", err)
	}
	if err := tbl.Check("", "alice", "wrong"); err == nil {
		t.Error("expected wrong password to fail")
	}
	if err := tbl.Check("", "bob", "hunter2"); err == nil {
		t.Error("expected unknown user to fail")
	}
}

func TestCheckRejectsMismatchedIdentity(t *testing.T) {
	tbl := NewTable()
	if err := tbl.SetPassword("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Check("bob", "alice", "hunter2"); err == nil {
		t.Error("expected identity/username mismatch to be rejected")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds")

	tbl := NewTable()
	if err := tbl.SetPassword("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}

	hash := tbl.users["alice"]
	content := "# comment\n\nalice:" + string(hash) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := loaded.Check("", "alice", "hunter2"); err != nil {
		t.Errorf("loaded table should authenticate alice: %v", err)
	}
}

func TestLoadFileRejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds")
	if err := os.WriteFile(path, []byte("not-a-valid-line\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected an error for a line without a colon")
	}
}
