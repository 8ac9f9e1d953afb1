// Package firehose exports the event bus to Kafka/Redpanda.
//
// Delivery is at-least-once: envelopes already live durably in the Postgres
// ledger, so the export is a mirror for downstream consumers, not the source
// of truth. A dropped envelope (bus overflow, broker outage) can be replayed
// from the ledger.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-agent-runner/internal/adapter/bus"
)

// Exporter relays bus envelopes to one Kafka topic, keyed by job id so a
// partition preserves per-job order.
type Exporter struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// New connects to the brokers and ensures the topic exists.
func New(brokers []string, topic string) (*Exporter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=firehose.New: no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=firehose.New: topic required")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=firehose.New: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		// The broker may disallow client-side creation; the export still
		// works if the topic was provisioned out of band.
		slog.Warn("firehose topic ensure failed", slog.String("topic", topic), slog.Any("error", err))
	}

	return &Exporter{client: client, topic: topic, log: slog.Default().With(slog.String("component", "firehose"))}, nil
}

// Run subscribes to the global jobs topic and relays envelopes until ctx is
// done. It closes its own subscription and flushes the producer on exit.
func (e *Exporter) Run(ctx context.Context, hub *bus.Hub) {
	sub := hub.Subscribe(256, bus.TopicJobs)
	defer sub.Close()
	e.log.Info("firehose export started", slog.String("topic", e.topic))

	for {
		select {
		case <-ctx.Done():
			e.flushAndClose()
			return
		case env, open := <-sub.C:
			if !open {
				e.flushAndClose()
				return
			}
			rec, err := newRecord(e.topic, env)
			if err != nil {
				e.log.Error("firehose marshal failed", slog.String("job_id", env.JobID), slog.Any("error", err))
				continue
			}
			e.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
				if err != nil {
					e.log.Error("firehose produce failed",
						slog.String("job_id", env.JobID),
						slog.String("type", env.Type),
						slog.Any("error", err))
				}
			})
		}
	}
}

func (e *Exporter) flushAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.Flush(ctx); err != nil {
		e.log.Warn("firehose flush on shutdown failed", slog.Any("error", err))
	}
	e.client.Close()
	e.log.Info("firehose export stopped")
}

// newRecord builds the Kafka record for one envelope.
func newRecord(topic string, env bus.Envelope) (*kgo.Record, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(env.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(env.JobID)},
			{Key: "type", Value: []byte(env.Type)},
		},
	}
	if env.ConversationID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "conversation_id", Value: []byte(env.ConversationID)})
	}
	return rec, nil
}

// ensureTopic creates the topic when missing. Error code 36 is
// TOPIC_ALREADY_EXISTS and is not a failure.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replication <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}
