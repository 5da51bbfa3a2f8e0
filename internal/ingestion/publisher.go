package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DexLedger/internal/observability"
)

// Notification is the outbound record of a processed transaction:
// either applied (with its place in the hash chain) or rejected (with
// the rejection code). Downstream consumers that need the full change
// feed read the event log instead.
type Notification struct {
	TxID           string    `json:"tx_id"`
	Status         string    `json:"status"` // "applied" or "rejected"
	Sequence       int64     `json:"sequence,omitempty"`
	OpTypes        []string  `json:"op_types,omitempty"`
	RejectCode     string    `json:"reject_code,omitempty"`
	RejectMessage  string    `json:"reject_message,omitempty"`
	SourceSequence int64     `json:"source_sequence"`
	StateHash      []byte    `json:"state_hash,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher pushes notifications to NATS after persistence has
// confirmed the transaction. A publish failure is logged and dropped:
// the event log in Postgres remains the source of truth.
type Publisher struct {
	js      jetstream.JetStream
	input   <-chan Notification
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, input <-chan Notification, metrics *observability.Metrics) *Publisher {
	return &Publisher{js: js, input: input, metrics: metrics}
}

// Run drains the notification channel until the context is cancelled
// or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	logger := observability.NewLogger("publisher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, n); err != nil {
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
				logger.Warn().
					Err(err).
					Str("tx_id", n.TxID).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := fmt.Sprintf("dex.%s.%s", n.Status, n.TxID)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStreams creates the applied/rejected notification
// streams.
func EnsureOutboundStreams(ctx context.Context, js jetstream.JetStream) error {
	for _, cfg := range []jetstream.StreamConfig{
		{
			Name:      "DEX_APPLIED",
			Subjects:  []string{"dex.applied.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEX_REJECTED",
			Subjects:  []string{"dex.rejected.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	} {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
