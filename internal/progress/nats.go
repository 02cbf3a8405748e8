// Package progress publishes pipeline status snapshots to NATS so clients can
// follow an invocation without polling.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/facturaIA/invoice-pipeline/internal/models"
)

const DefaultSubjectPrefix = "invoices.progress"

type Options struct {
	SubjectPrefix  string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// Event is the message body published for every status update
type Event struct {
	InvocationID string                  `json:"invocation_id"`
	Status       models.ProcessingStatus `json:"status"`
	Timestamp    time.Time               `json:"timestamp"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher implements pipeline.ProgressNotifier over NATS core publish
type Publisher struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(url string, options Options, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}

	conn, err := nats.Connect(
		url,
		nats.Name("invoice-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats.disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := newPublisher(conn, options.SubjectPrefix, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(pub publisher, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{pub: pub, prefix: prefix, logger: logger, now: time.Now}
}

// Subject is where updates for one invocation are published
func (p *Publisher) Subject(invocationID string) string {
	return p.prefix + "." + invocationID
}

func (p *Publisher) Notify(ctx context.Context, invocationID string, status models.ProcessingStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{InvocationID: invocationID, Status: status, Timestamp: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.pub.Publish(p.Subject(invocationID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
