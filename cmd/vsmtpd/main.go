// Command vsmtpd runs the reception engine and queue-processing pipeline,
// or inspects the on-disk queue, per the loaded configuration file.
// Grounded on maddy's cmd/maddy (top-level App wiring) and cmd/maddyctl
// (urfave/cli/v2 subcommand layout for queue inspection).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/yonasBSD/vsmtpd/auth/credentials"
	"github.com/yonasBSD/vsmtpd/auth/sasl"
	"github.com/yonasBSD/vsmtpd/config"
	"github.com/yonasBSD/vsmtpd/dnsresolver"
	"github.com/yonasBSD/vsmtpd/pipeline"
	"github.com/yonasBSD/vsmtpd/policy/dkim"
	"github.com/yonasBSD/vsmtpd/policy/route"
	"github.com/yonasBSD/vsmtpd/policy/spf"
	"github.com/yonasBSD/vsmtpd/queue"
	"github.com/yonasBSD/vsmtpd/receiver"
	"github.com/yonasBSD/vsmtpd/scheduler"
	"github.com/yonasBSD/vsmtpd/server"
	"github.com/yonasBSD/vsmtpd/session"
	"github.com/yonasBSD/vsmtpd/tlsconfig"
	"github.com/yonasBSD/vsmtpd/transport"
	"github.com/yonasBSD/vsmtpd/transport/maildir"
	"github.com/yonasBSD/vsmtpd/transport/remote"
	"github.com/yonasBSD/vsmtpd/vlog"
)

const (
	localTransportName  = "local"
	remoteTransportName = "remote"
)

func main() {
	app := cli.NewApp()
	app.Name = "vsmtpd"
	app.Usage = "SMTP reception and queue-processing engine"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "config",
			Usage:   "configuration file to use",
			EnvVars: []string{"VSMTPD_CONFIG"},
			Value:   "/etc/vsmtpd/vsmtpd.conf",
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "start the server and queue-processing pools",
			Action: func(c *cli.Context) error {
				return runServer(c.Path("config"))
			},
		},
		{
			Name:  "queue",
			Usage: "inspect and manipulate the on-disk queue",
			Subcommands: []*cli.Command{
				{
					Name:      "ls",
					Usage:     "list messages in a queue",
					ArgsUsage: "<working|deliver|deferred|dead>",
					Action: func(c *cli.Context) error {
						return queueLs(c.Path("config"), c.Args().First())
					},
				},
				{
					Name:      "rm",
					Usage:     "remove a message from a queue",
					ArgsUsage: "<working|deliver|deferred|dead> <uuid>",
					Action: func(c *cli.Context) error {
						return queueRm(c.Path("config"), c.Args().Get(0), c.Args().Get(1))
					},
				},
				{
					Name:      "requeue",
					Usage:     "move a deferred or dead message back to deliver",
					ArgsUsage: "<working|deliver|deferred|dead> <uuid>",
					Action: func(c *cli.Context) error {
						return queueRequeue(c.Path("config"), c.Args().Get(0), c.Args().Get(1))
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadQueue(configPath string) (config.Config, *queue.Manager, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	mgr := queue.New(cfg.SpoolDir)
	if err := mgr.Init(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, mgr, nil
}

func queueName(s string) (queue.Name, error) {
	switch s {
	case "working":
		return queue.Working, nil
	case "deliver":
		return queue.Deliver, nil
	case "deferred":
		return queue.Deferred, nil
	case "dead":
		return queue.Dead, nil
	default:
		return "", fmt.Errorf("unknown queue: %s (want working, deliver, deferred, or dead)", s)
	}
}

func queueLs(configPath, qArg string) error {
	_, mgr, err := loadQueue(configPath)
	if err != nil {
		return err
	}
	q, err := queueName(qArg)
	if err != nil {
		return err
	}
	ids, err := mgr.List(q)
	if err != nil {
		return err
	}
	for _, id := range ids {
		line := id.String()
		if ctx, err := mgr.LoadContext(q, id); err == nil {
			if rp, err := ctx.ReversePath(); err == nil && rp != nil {
				line += " from=" + rp.Full()
			}
			if rcpts, err := ctx.ForwardPaths(); err == nil {
				line += fmt.Sprintf(" rcpts=%d", len(rcpts))
			}
		}
		fmt.Println(line)
	}
	return nil
}

func queueRm(configPath, qArg, idArg string) error {
	_, mgr, err := loadQueue(configPath)
	if err != nil {
		return err
	}
	q, err := queueName(qArg)
	if err != nil {
		return err
	}
	id, err := parseUUIDArg(idArg)
	if err != nil {
		return err
	}
	return mgr.RemoveBoth(q, id)
}

func queueRequeue(configPath, qArg, idArg string) error {
	_, mgr, err := loadQueue(configPath)
	if err != nil {
		return err
	}
	from, err := queueName(qArg)
	if err != nil {
		return err
	}
	id, err := parseUUIDArg(idArg)
	if err != nil {
		return err
	}
	return mgr.MoveTo(from, queue.Deliver, id)
}

func runServer(configPath string) error {
	log := vlog.Default.Named("vsmtpd")

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := queue.New(cfg.SpoolDir)
	if err := mgr.Init(); err != nil {
		return fmt.Errorf("init queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tlsCfg *tlsConfigHolder
	needsTLS := false
	for _, l := range cfg.Listeners {
		if l.Kind == "tunneled" {
			needsTLS = true
		}
	}
	if needsTLS || cfg.TLS.CertFile != "" || len(cfg.TLS.ACMEDomains) > 0 {
		src, err := tlsconfig.Build(ctx, cfg.TLS, cfg.SpoolDir)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		tlsCfg = &tlsConfigHolder{src: src}
	}

	policies := session.Policies{
		Delivery: route.ByLocality{LocalTransport: localTransportName, RemoteTransport: remoteTransportName},
	}
	if cfg.Policies.SPFEnabled {
		policies.MailFrom = spf.New()
	}
	if cfg.Policies.DKIMEnabled {
		policies.PreQ = dkim.New()
	}

	saslTable := &sasl.Table{}
	if cfg.SASL.CredentialsFile != "" {
		creds, err := credentials.LoadFile(cfg.SASL.CredentialsFile)
		if err != nil {
			return fmt.Errorf("load sasl credentials: %w", err)
		}
		saslTable.Plain = creds.Check
	}

	sched := scheduler.New(256, 256)
	intake := &pipeline.Intake{Queue: mgr, Scheduler: sched}

	sessCfg := session.Config{
		ServerName:   cfg.Hostname,
		RcptCountMax: cfg.RcptCountMax,
		SizeMax:      cfg.SizeMax,
		ErrorDelay:   cfg.ErrorDelay,
		LocalDomain: func(domain string) bool {
			return domain == cfg.Hostname
		},
	}
	for _, mech := range cfg.SASL.Mechanisms {
		sessCfg.AuthMechanisms = append(sessCfg.AuthMechanisms, session.AuthMechanism{
			Name:           mech,
			MustBeUnderTLS: sasl.MustBeUnderTLS(mech),
		})
	}
	if tlsCfg != nil {
		sessCfg.TLSConfig = tlsCfg.src.Config()
		sessCfg.TLSHandshakeTimeout = cfg.TLSHandshakeTimeout
	}

	var listeners []server.ListenerSpec
	for _, l := range cfg.Listeners {
		spec := server.ListenerSpec{Network: l.Network, Address: l.Address}
		switch l.Kind {
		case "submission":
			spec.Kind = receiver.Submission
		case "tunneled":
			spec.Kind = receiver.Tunneled
			if tlsCfg != nil {
				spec.TLSConfig = tlsCfg.src.Config()
			}
		default:
			spec.Kind = receiver.Relay
		}
		listeners = append(listeners, spec)
	}

	srv := server.New(server.Config{
		Listeners:      listeners,
		ClientCountMax: cfg.ClientCountMax,
		Options: receiver.Options{
			ReadTimeout:         cfg.ReadTimeout,
			TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
			ErrorSoftThreshold:  cfg.ErrorSoftThreshold,
			ErrorHardThreshold:  cfg.ErrorHardThreshold,
			PipeliningEnabled:   true,
			SASLServers:         saslTable.Factory(),
		},
		NewHandler: func() receiver.Handler {
			return session.New(sessCfg, policies, intake)
		},
	})

	resolver, err := dnsresolver.New(nil, "", 10*time.Second)
	if err != nil {
		return fmt.Errorf("dns resolver: %w", err)
	}

	transports := transport.NewRegistry()
	localTransport := maildir.New(localTransportName)
	remoteTransport := remote.New(remoteTransportName, resolver)
	transports.Register(localTransport)
	transports.Register(remoteTransport)

	var remoteTLSConfig *tls.Config
	if tlsCfg != nil {
		remoteTLSConfig = tlsCfg.src.Config()
	}

	delivery := &pipeline.DeliveryProcessor{
		Queue:      mgr,
		Scheduler:  sched,
		Delivery:   policies.Delivery,
		Transports: transports,
		Configs: map[string]transport.Config{
			localTransportName: maildir.Config{BaseDir: cfg.MailDir},
			remoteTransportName: remote.Config{
				TLSConfig:   remoteTLSConfig,
				DialTimeout: cfg.ReadTimeout,
				Hostname:    cfg.Hostname,
			},
		},
	}
	working := &pipeline.WorkingProcessor{
		Queue:     mgr,
		Scheduler: sched,
		PostQ:     policies.PostQ,
	}
	deferredSweep := &pipeline.DeferredProcessor{
		Queue:        mgr,
		Delivery:     delivery,
		BaseInterval: pipeline.DeferredBaseInterval,
	}

	go working.Run(ctx)
	go delivery.Run(ctx)
	go deferredSweep.Run(ctx)

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Error("metrics listener exited", http.ListenAndServe(cfg.MetricsAddress, mux))
		}()
	}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.ReportQueueLengths()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		log.Msg("shutting down")
		srv.Shutdown()
		cancel()
		return nil
	}
}

// tlsConfigHolder defers tls.Config construction to once-per-listener-set
// use, since both the Tunneled listener spec and the Handler's STARTTLS
// config need independent *tls.Config values from the same Source.
type tlsConfigHolder struct {
	src tlsconfig.Source
}

func parseUUIDArg(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
