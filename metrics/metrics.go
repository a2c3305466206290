// Package metrics registers the prometheus counters and gauges exposed at
// the /metrics endpoint, grounded on the teacher's per-package metrics.go
// files (internal/endpoint/smtp, internal/target/queue,
// internal/target/remote) collapsed into one registry for this module's
// smaller component set.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StartedTransactions counts SMTP transactions started (MAIL FROM
	// accepted), by connection kind (relay/submission/tunneled).
	StartedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsmtpd",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Number of SMTP transactions started",
		},
		[]string{"kind"},
	)

	// CompletedTransactions counts transactions that reached a queued
	// DATA acceptance.
	CompletedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsmtpd",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Number of SMTP transactions successfully queued",
		},
		[]string{"kind"},
	)

	// FailedCommands counts 4yz/5yz replies that a MAIL or RCPT policy
	// verdict produces, and DATA replies for messages that could not be
	// queued, by SMTP code. Replies from argument, sequence or size checks
	// are not counted.
	FailedCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsmtpd",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Failed transaction commands (MAIL, RCPT, DATA)",
		},
		[]string{"command", "smtp_code"},
	)

	// FailedLogins counts AUTH command failures, by mechanism.
	FailedLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsmtpd",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "AUTH command failures",
		},
		[]string{"mechanism"},
	)

	// QueueLength reports the number of messages currently resident in
	// each standard queue (working/deliver/deferred/delegated/dead).
	// Quarantine queues are not reported.
	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vsmtpd",
			Subsystem: "queue",
			Name:      "length",
			Help:      "Number of messages currently in a queue",
		},
		[]string{"queue"},
	)

	// DeliveryAttempts counts delivery attempts per transport and outcome
	// (sent/held_back/failed).
	DeliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vsmtpd",
			Subsystem: "delivery",
			Name:      "attempts",
			Help:      "Delivery attempts by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	// ConnectionsCurrent tracks concurrently open connections, by
	// connection kind.
	ConnectionsCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vsmtpd",
			Subsystem: "server",
			Name:      "connections_current",
			Help:      "Currently open connections",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		StartedTransactions,
		CompletedTransactions,
		FailedCommands,
		FailedLogins,
		QueueLength,
		DeliveryAttempts,
		ConnectionsCurrent,
	)
}
