// Package consumer feeds snapshots from a Kafka topic into the ingestor.
// Arrival order is the topic order, so the topic should have one partition
// per collector stream.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/segmentio/kafka-go"

	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/metrics"
	"github.com/runnerr0/presence/internal/presence"
)

// Reader is the part of *kafka.Reader the processor uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Ingestor accepts decoded snapshots.
type Ingestor interface {
	Ingest(ctx context.Context, snap presence.Snapshot) (ingest.Result, error)
}

// ReaderConfig names the topic to consume.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader returns a consumer-group reader for cfg.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(log slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// Processor pulls snapshot messages and ingests them one at a time.
type Processor struct {
	reader   Reader
	ingestor Ingestor
	log      slog.Logger
}

// NewProcessor returns a Processor reading from reader.
func NewProcessor(reader Reader, ingestor Ingestor, opts ...Option) *Processor {
	p := &Processor{reader: reader, ingestor: ingestor}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until ctx is cancelled or a raw append fails.
//
// Malformed messages and rejected snapshots are committed so they are not
// redelivered. A persistence failure stops the loop without committing, so
// the message is delivered again once the consumer restarts.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return err
			}
			p.log.Warn(ctx, "fetch failed", slog.Error(err))
			continue
		}

		result, err := p.handle(ctx, msg)
		if err != nil {
			metrics.ConsumerMessages.WithLabelValues("error").Inc()
			return fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
		metrics.ConsumerMessages.WithLabelValues(result).Inc()

		if err := p.reader.CommitMessages(ctx, msg); err != nil {
			p.log.Warn(ctx, "commit failed",
				slog.F("partition", msg.Partition),
				slog.F("offset", msg.Offset),
				slog.Error(err),
			)
		}
	}
}

// handle returns the outcome label for a message, or an error that must
// stop consumption.
func (p *Processor) handle(ctx context.Context, msg kafka.Message) (string, error) {
	var snap presence.Snapshot
	if err := json.Unmarshal(msg.Value, &snap); err != nil {
		p.log.Warn(ctx, "undecodable message",
			slog.F("partition", msg.Partition),
			slog.F("offset", msg.Offset),
			slog.Error(err),
		)
		return "decode_error", nil
	}

	res, err := p.ingestor.Ingest(ctx, snap)
	switch {
	case errors.Is(err, presence.ErrMalformedSnapshot):
		return "rejected", nil
	case err != nil:
		return "", err
	}

	if res.DerivedErr != nil {
		return "derived_error", nil
	}
	if res.Duplicate {
		return "duplicate", nil
	}
	return "processed", nil
}
