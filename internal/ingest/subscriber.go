package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// Submitter accepts parsed wreckage events.
type Submitter interface {
	Submit(ctx context.Context, e model.WreckageEvent) (string, error)
}

// message is the part of jetstream.Msg the subscriber uses.
type message interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Subscriber consumes loss reports from a durable JetStream consumer and
// submits them to the orchestrator.
type Subscriber struct {
	js     jetstream.JetStream
	cfg    Config
	sink   Submitter
	logger *slog.Logger
}

// NewSubscriber creates a subscriber. Call Run to start consuming.
func NewSubscriber(js jetstream.JetStream, cfg Config, sink Submitter, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{js: js, cfg: cfg, sink: sink, logger: logger}
}

// Run consumes until ctx is done. The consumer uses explicit ACK,
// max_deliver=5 and ack_wait=30s.
func (s *Subscriber) Run(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.LossStream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Consumer,
		FilterSubject: s.cfg.LossSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Consumer, err)
	}
	s.logger.Info("subscribed to loss reports", "subject", s.cfg.LossSubject, "consumer", s.cfg.Consumer)

	<-ctx.Done()
	cc.Stop()
	s.logger.Info("loss report subscriber stopped")
	return nil
}

// handle submits one loss report. Malformed or duplicate reports are
// terminated; a full queue asks for redelivery later.
func (s *Subscriber) handle(ctx context.Context, msg message) {
	e, err := ParseLossReport(msg.Subject(), msg.Data())
	if err != nil {
		s.logger.Warn("dropping malformed loss report", "subject", msg.Subject(), "err", err)
		msg.Term()
		return
	}

	id, err := s.sink.Submit(ctx, e)
	switch {
	case err == nil:
		msg.Ack()
		s.logger.Debug("loss report submitted", "event_id", id, "subject", msg.Subject())

	case errors.Is(err, wreckage.ErrInvalidWreckageEvent):
		s.logger.Warn("loss report rejected", "event_id", e.ID, "err", err)
		msg.Term()

	case errors.Is(err, orchestrator.ErrQueueFull):
		s.logger.Warn("queue full, loss report redelivered later", "event_id", e.ID)
		msg.NakWithDelay(time.Second)

	default:
		s.logger.Error("loss report submit failed", "event_id", e.ID, "err", err)
		msg.Nak()
	}
}
