// Package redpanda mirrors executor events onto a Redpanda/Kafka topic for
// downstream consumers (analytics, alerting). The orchestrator remains the
// primary consumer of the event channel; the mirror is best-effort and never
// blocks the execution path on broker trouble.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-surface-visibility/internal/domain"
)

// Publisher implements domain.EventPublisher over a franz-go client.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewPublisher connects to the brokers, ensures the topic exists, and returns
// the mirror. Topic creation is retried with exponential backoff; a broker
// that is still warming up at startup is normal in compose environments.
func NewPublisher(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: no seed brokers provided")
	}
	if log == nil {
		log = slog.Default()
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewPublisher: client: %w", err)
	}

	ensure := func() error {
		return createTopicIfNotExists(ctx, client, topic, 1, 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ensure, bo); err != nil {
		client.Close()
		return nil, fmt.Errorf("op=redpanda.NewPublisher: ensure topic %s: %w", topic, err)
	}

	log.Info("event mirror connected",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Publisher{client: client, topic: topic, log: log}, nil
}

// wireEvent is the JSON shape on the topic. Results are trimmed to facts a
// downstream consumer can use; full responses live in the repository.
type wireEvent struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	WorkerID   int       `json:"worker_id,omitempty"`
	StudyID    string    `json:"study_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	RetryDelay string    `json:"retry_delay,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Publish implements domain.EventPublisher. Delivery is async; produce
// failures are logged, never returned up the execution path.
func (p *Publisher) Publish(ctx context.Context, ev domain.ExecutorEvent) error {
	we := wireEvent{
		ID:       ev.ID,
		Kind:     string(ev.Kind),
		At:       ev.At,
		WorkerID: ev.WorkerID,
		StudyID:  ev.StudyID,
		JobID:    ev.JobID,
		Attempt:  ev.Attempt,
	}
	if ev.RetryDelay > 0 {
		we.RetryDelay = ev.RetryDelay.String()
	}
	if ev.Result != nil {
		we.Success = &ev.Result.Success
		we.DurationMS = ev.Result.Metrics.Duration.Milliseconds()
		if ev.Result.Error != nil {
			we.ErrorCode = string(ev.Result.Error.Code)
		}
	}
	b, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("op=redpanda.Publish: marshal: %w", err)
	}

	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.StudyID), Value: b}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Warn("event mirror produce failed",
				slog.String("event_id", ev.ID),
				slog.String("kind", string(ev.Kind)),
				slog.Any("error", err))
		}
	})
	return nil
}

// Ping checks broker connectivity for the readiness probe.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close implements domain.EventPublisher: flushes in-flight records, then
// closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	defer p.client.Close()
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("op=redpanda.Close: flush: %w", err)
	}
	return nil
}
