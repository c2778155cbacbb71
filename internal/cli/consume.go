package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog/v3"

	"github.com/runnerr0/presence/internal/consumer"
	"github.com/runnerr0/presence/internal/ingest"
)

// Execute implements the go-flags Commander interface for ConsumeCommand.
func (c *ConsumeCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	ingestor := e.ingestor()
	if err := ingestor.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	return runConsumer(ctx, e, c.readerConfig(e), ingestor)
}

// readerConfig applies the command-line overrides to the configured topic.
func (c *ConsumeCommand) readerConfig(e *env) consumer.ReaderConfig {
	rc := consumer.ReaderConfig{
		Brokers: e.cfg.Kafka.Brokers,
		Topic:   e.cfg.Kafka.Topic,
		GroupID: e.cfg.Kafka.GroupID,
	}
	if len(c.Brokers) > 0 {
		rc.Brokers = c.Brokers
	}
	if c.Topic != "" {
		rc.Topic = c.Topic
	}
	if c.GroupID != "" {
		rc.GroupID = c.GroupID
	}
	return rc
}

// runConsumer ingests from Kafka until ctx is cancelled. Cancellation is a
// clean stop.
func runConsumer(ctx context.Context, e *env, rc consumer.ReaderConfig, ingestor *ingest.Ingestor) error {
	if len(rc.Brokers) == 0 || rc.Topic == "" {
		return fmt.Errorf("kafka brokers and topic are required (set kafka.brokers and kafka.topic or pass --broker and --topic)")
	}

	reader := consumer.NewReader(rc)
	defer reader.Close()

	log := e.log.Named("consumer")
	log.Info(ctx, "consuming snapshots",
		slog.F("brokers", rc.Brokers),
		slog.F("topic", rc.Topic),
		slog.F("group", rc.GroupID),
	)

	err := consumer.NewProcessor(reader, ingestor, consumer.WithLogger(log)).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(context.Background(), "consumer stopped")
	return nil
}
