package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"DexLedger/internal/observability"
)

// NATSSubscriber feeds transactions from JetStream into the engine's
// input channel. NATS is the only ingestion surface: transactions enter
// the node exactly once, in subject order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	txChan    chan<- RawTx
	consumers []jetstream.ConsumeContext
}

// RawTx is a received-but-unparsed transaction. Partition is the
// ordering domain its source sequence lives in; Ack/Nak control
// JetStream redelivery.
type RawTx struct {
	Subject   string
	Partition string
	Data      []byte
	Received  time.Time
	Ack       func()
	Nak       func()
}

// SubjectConfig maps one NATS subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Partition    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects covers the three operation subjects. Each operation
// type gets its own durable consumer so producers can scale
// independently; they all share one ordered stream.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "dex.tx.limit_order_create.>", Partition: "limit_order_create", ConsumerName: "dex-order-create", StreamName: "DEX_TX"},
		{Subject: "dex.tx.limit_order_cancel.>", Partition: "limit_order_cancel", ConsumerName: "dex-order-cancel", StreamName: "DEX_TX"},
		{Subject: "dex.tx.call_order_update.>", Partition: "call_order_update", ConsumerName: "dex-call-update", StreamName: "DEX_TX"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, txChan chan<- RawTx) *NATSSubscriber {
	return &NATSSubscriber{js: js, txChan: txChan}
}

// Subscribe creates durable consumers for every configured subject.
// Explicit ack, 5 delivery attempts, 30s ack wait.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	logger := observability.NewLogger("ingestion")

	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawTx{
				Subject:   msg.Subject(),
				Partition: cfg.Partition,
				Data:      msg.Data(),
				Received:  time.Now(),
				Ack:       func() { msg.Ack() },
				Nak:       func() { msg.Nak() },
			}
			select {
			case ns.txChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumeCtx)
		logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the transaction stream if it does not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DEX_TX",
		Subjects:  []string{"dex.tx.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream DEX_TX: %w", err)
	}
	return nil
}

// Stop drains all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
}

// ConnectNATS establishes a NATS connection with unbounded reconnects
// and returns a JetStream handle.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// PartitionFromSubject derives the ordering partition from a raw
// subject when no SubjectConfig is at hand (gRPC-submitted
// transactions reuse the same partitioning).
func PartitionFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 3 {
		return parts[2]
	}
	return "global"
}
