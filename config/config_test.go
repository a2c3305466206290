package config

import (
	"strings"
	"testing"
	"time"
)

func parse(t *testing.T, src string) Config {
	t.Helper()
	nodes, err := ReadAll(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	cfg, err := Parse(nodes)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestParseDefaults(t *testing.T) {
	cfg := parse(t, `hostname mail.example.com`)
	if cfg.Hostname != "mail.example.com" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
	if cfg.SpoolDir != Default().SpoolDir {
		t.Errorf("spool_dir should keep its default, got %q", cfg.SpoolDir)
	}
	if cfg.RcptCountMax != 100 {
		t.Errorf("rcpt_count_max default = %d", cfg.RcptCountMax)
	}
}

func TestParseListeners(t *testing.T) {
	cfg := parse(t, `
		listen relay tcp :25
		listen submission tcp :587
		listen tunneled tcp :465
	`)
	if len(cfg.Listeners) != 3 {
		t.Fatalf("expected 3 listeners, got %d", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Kind != "relay" || cfg.Listeners[0].Address != ":25" {
		t.Errorf("unexpected first listener: %+v", cfg.Listeners[0])
	}
	if cfg.Listeners[2].Kind != "tunneled" || cfg.Listeners[2].Address != ":465" {
		t.Errorf("unexpected third listener: %+v", cfg.Listeners[2])
	}
}

func TestParseTLSBlock(t *testing.T) {
	cfg := parse(t, `
		tls {
			cert_file /etc/vsmtpd/cert.pem
			key_file /etc/vsmtpd/key.pem
		}
	`)
	if cfg.TLS.CertFile != "/etc/vsmtpd/cert.pem" || cfg.TLS.KeyFile != "/etc/vsmtpd/key.pem" {
		t.Errorf("unexpected TLS block: %+v", cfg.TLS)
	}
}

func TestParseTLSMutualExclusion(t *testing.T) {
	_, err := Parse(mustNodes(t, `
		tls {
			cert_file /etc/vsmtpd/cert.pem
			acme_domains example.com
		}
	`))
	if err == nil {
		t.Fatal("expected an error for cert_file + acme_domains together")
	}
}

func TestParseSizeMax(t *testing.T) {
	cfg := parse(t, `size_max 10m`)
	if cfg.SizeMax != 10<<20 {
		t.Errorf("size_max = %d", cfg.SizeMax)
	}
}

func TestParseDurations(t *testing.T) {
	cfg := parse(t, `read_timeout 30s`)
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("read_timeout = %s", cfg.ReadTimeout)
	}
}

func TestParseErrorThresholdDefaultsDisabled(t *testing.T) {
	cfg := parse(t, `hostname mail.example.com`)
	if cfg.ErrorSoftThreshold != -1 || cfg.ErrorHardThreshold != -1 {
		t.Errorf("error thresholds should default to disabled (-1), got soft=%d hard=%d",
			cfg.ErrorSoftThreshold, cfg.ErrorHardThreshold)
	}
}

func TestParseErrorThresholds(t *testing.T) {
	cfg := parse(t, `
		error_soft 3
		error_hard 5
		error_delay 250ms
	`)
	if cfg.ErrorSoftThreshold != 3 || cfg.ErrorHardThreshold != 5 {
		t.Errorf("got soft=%d hard=%d, want soft=3 hard=5", cfg.ErrorSoftThreshold, cfg.ErrorHardThreshold)
	}
	if cfg.ErrorDelay != 250*time.Millisecond {
		t.Errorf("error_delay = %s, want 250ms", cfg.ErrorDelay)
	}
}

func TestParseUnknownDirectiveRejected(t *testing.T) {
	_, err := Parse(mustNodes(t, `bogus_directive 1`))
	if err == nil {
		t.Fatal("expected an error for an unknown directive")
	}
}

func TestParseDuplicateSingleDirectiveRejected(t *testing.T) {
	_, err := Parse(mustNodes(t, "hostname a\nhostname b"))
	if err == nil {
		t.Fatal("expected an error for a duplicate non-repeatable directive")
	}
}

func TestParseDataSize(t *testing.T) {
	cases := map[string]int{
		"1":    1,
		"1k":   1 << 10,
		"1m":   1 << 20,
		"1g":   1 << 30,
		"32mb": 32 << 20,
	}
	for in, want := range cases {
		got, err := ParseDataSize(in)
		if err != nil {
			t.Errorf("ParseDataSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDataSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func mustNodes(t *testing.T, src string) []Node {
	t.Helper()
	nodes, err := ReadAll(strings.NewReader(src), "test")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return nodes
}
