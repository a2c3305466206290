package config

import (
	"fmt"
	"os"
	"time"
)

// Listener is one socket vsmtpd should bind, named by the block name used
// in the file: "listen relay", "listen submission", or "listen tunneled".
type Listener struct {
	Kind    string // "relay", "submission", or "tunneled"
	Network string
	Address string
}

// TLS holds the certificate source for every listener that needs one.
// Exactly one of (CertFile/KeyFile) or ACMEDomains should be set; ACME
// material is assembled by the tlsconfig package from ACMEDomains.
type TLS struct {
	CertFile string
	KeyFile  string

	ACMEDomains []string
	ACMEEmail   string
}

// Policies toggles the optional policy-stage checks a deployment may not
// want to run.
type Policies struct {
	SPFEnabled  bool
	DKIMEnabled bool
}

// SASL lists the mechanisms to advertise and the credentials file that
// backs them.
type SASL struct {
	Mechanisms      []string
	CredentialsFile string
}

// Config is vsmtpd's top-level, fully-parsed configuration.
type Config struct {
	Hostname string

	Listeners []Listener
	TLS       TLS

	SpoolDir string
	MailDir  string

	RcptCountMax int
	SizeMax      int64
	ClientCountMax int

	// ErrorSoftThreshold/ErrorHardThreshold are per-connection 4yz/5yz
	// reply counts; -1 disables a threshold. Once the count reaches soft,
	// ErrorDelay is applied before each 4yz/5yz reply, starting with the
	// one that reaches it; reaching hard closes the connection.
	ErrorSoftThreshold int
	ErrorHardThreshold int
	ErrorDelay         time.Duration

	ReadTimeout         time.Duration
	TLSHandshakeTimeout time.Duration

	Policies Policies
	SASL     SASL

	MetricsAddress string
}

// Default returns the configuration used when a directive is omitted.
func Default() Config {
	return Config{
		Hostname:            "localhost",
		SpoolDir:            "/var/spool/vsmtpd",
		MailDir:             "/var/spool/vsmtpd/mail",
		RcptCountMax:        100,
		SizeMax:             32 << 20,
		ClientCountMax:      -1,
		ErrorSoftThreshold:  -1,
		ErrorHardThreshold:  -1,
		ReadTimeout:         5 * time.Minute,
		TLSHandshakeTimeout: 30 * time.Second,
		SASL:                SASL{Mechanisms: []string{"PLAIN", "LOGIN"}},
		MetricsAddress:      "",
	}
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	nodes, err := ReadAll(f, path)
	if err != nil {
		return Config{}, err
	}
	return Parse(nodes)
}

// Parse builds a Config from an already-lexed node tree, so callers that
// assemble nodes in memory (tests, generated configs) can skip LoadFile.
func Parse(nodes []Node) (Config, error) {
	cfg := Default()
	root := Node{Children: nodes}
	m := NewMap(root)

	m.String("hostname", false, cfg.Hostname, &cfg.Hostname)
	m.String("spool_dir", false, cfg.SpoolDir, &cfg.SpoolDir)
	m.String("mail_dir", false, cfg.MailDir, &cfg.MailDir)
	m.Int("rcpt_count_max", false, cfg.RcptCountMax, &cfg.RcptCountMax)
	m.Int("client_count_max", false, cfg.ClientCountMax, &cfg.ClientCountMax)
	m.Int("error_soft", false, cfg.ErrorSoftThreshold, &cfg.ErrorSoftThreshold)
	m.Int("error_hard", false, cfg.ErrorHardThreshold, &cfg.ErrorHardThreshold)
	m.Duration("error_delay", false, cfg.ErrorDelay, &cfg.ErrorDelay)
	m.Duration("read_timeout", false, cfg.ReadTimeout, &cfg.ReadTimeout)
	m.Duration("tls_handshake_timeout", false, cfg.TLSHandshakeTimeout, &cfg.TLSHandshakeTimeout)
	m.String("metrics_address", false, cfg.MetricsAddress, &cfg.MetricsAddress)

	var sizeMaxStr string
	m.String("size_max", false, "", &sizeMaxStr)

	m.Bool("spf", cfg.Policies.SPFEnabled, &cfg.Policies.SPFEnabled)
	m.Bool("dkim", cfg.Policies.DKIMEnabled, &cfg.Policies.DKIMEnabled)

	m.StringList("sasl_mechanisms", false, cfg.SASL.Mechanisms, &cfg.SASL.Mechanisms)
	m.String("sasl_credentials_file", false, cfg.SASL.CredentialsFile, &cfg.SASL.CredentialsFile)

	m.Callback("listen", func(_ *Map, node Node) error {
		l, err := parseListener(node)
		if err != nil {
			return err
		}
		cfg.Listeners = append(cfg.Listeners, l)
		return nil
	})

	m.Callback("tls", func(_ *Map, node Node) error {
		tlsCfg, err := parseTLS(node)
		if err != nil {
			return err
		}
		cfg.TLS = tlsCfg
		return nil
	})

	if _, err := m.Process(); err != nil {
		return Config{}, err
	}

	if sizeMaxStr != "" {
		n, err := ParseDataSize(sizeMaxStr)
		if err != nil {
			return Config{}, NodeErr(root, "size_max: %v", err)
		}
		cfg.SizeMax = int64(n)
	}

	return cfg, nil
}

func parseListener(node Node) (Listener, error) {
	if len(node.Args) < 2 {
		return Listener{}, NodeErr(node, "expected: listen <relay|submission|tunneled> <address>")
	}
	kind := node.Args[0]
	switch kind {
	case "relay", "submission", "tunneled":
	default:
		return Listener{}, NodeErr(node, "unknown listener kind: %s", kind)
	}
	network := "tcp"
	address := node.Args[1]
	if len(node.Args) >= 3 {
		network = node.Args[1]
		address = node.Args[2]
	}
	return Listener{Kind: kind, Network: network, Address: address}, nil
}

func parseTLS(node Node) (TLS, error) {
	var t TLS
	m := NewMap(node)
	m.String("cert_file", false, "", &t.CertFile)
	m.String("key_file", false, "", &t.KeyFile)
	m.StringList("acme_domains", false, nil, &t.ACMEDomains)
	m.String("acme_email", false, "", &t.ACMEEmail)
	if _, err := m.Process(); err != nil {
		return TLS{}, err
	}
	if t.CertFile != "" && len(t.ACMEDomains) > 0 {
		return TLS{}, NodeErr(node, "cert_file and acme_domains are mutually exclusive")
	}
	return t, nil
}

// Callback registers a directive that may appear multiple times and is
// handled entirely by mapper, bypassing the store/default machinery.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config: duplicate matcher for " + name)
	}
	m.entries[name] = matcher{
		name:       name,
		repeatable: true,
		mapper: func(mm *Map, node Node) (interface{}, error) {
			return nil, mapper(mm, node)
		},
	}
}

// ParseDataSize parses a byte-count directive like "32m" or "1g", as the
// teacher's config package does for message size limits.
func ParseDataSize(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("missing a number")
	}
	s += " "

	var total int
	digits := ""
	suffix := ""
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9':
			if suffix != "" {
				return 0, fmt.Errorf("unexpected digit after a suffix")
			}
			digits += string(ch)
		case ch != ' ':
			suffix += string(ch)
		default:
			if digits == "" {
				continue
			}
			n := 0
			for _, d := range digits {
				n = n*10 + int(d-'0')
			}
			mult := 1
			switch suffix {
			case "", "b", "B":
				mult = 1
			case "k", "K", "kb", "KB":
				mult = 1 << 10
			case "m", "M", "mb", "MB":
				mult = 1 << 20
			case "g", "G", "gb", "GB":
				mult = 1 << 30
			default:
				return 0, fmt.Errorf("unknown size suffix: %s", suffix)
			}
			total += n * mult
			digits, suffix = "", ""
		}
	}
	return total, nil
}
