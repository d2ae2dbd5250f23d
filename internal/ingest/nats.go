// Package ingest connects the engine to NATS: loss reports arrive on a
// JetStream stream, and mint results and settlements leave on outbound
// subjects for the token-issuance service and other consumers.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config names the streams, subjects and consumer.
type Config struct {
	LossStream     string `yaml:"loss_stream"`
	LossSubject    string `yaml:"loss_subject"`
	Consumer       string `yaml:"consumer"`
	OutboundStream string `yaml:"outbound_stream"`
	MintPrefix     string `yaml:"mint_prefix"`
	SettlePrefix   string `yaml:"settlement_prefix"`
}

// DefaultConfig returns the standard subject layout.
func DefaultConfig() Config {
	return Config{
		LossStream:     "WRECKAGE_LOSS",
		LossSubject:    "wreckage.loss.>",
		Consumer:       "wreckage-engine-loss",
		OutboundStream: "WRECKAGE_OUT",
		MintPrefix:     "wreckage.mint",
		SettlePrefix:   "wreckage.settlement",
	}
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("wreckage-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
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

// EnsureStreams creates the loss and outbound streams if they don't exist.
// Both use file storage with a 72h limit.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	streams := []jetstream.StreamConfig{
		{
			Name:      cfg.LossStream,
			Subjects:  []string{cfg.LossSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      cfg.OutboundStream,
			Subjects:  []string{cfg.MintPrefix + ".>", cfg.SettlePrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, sc := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream %s: %w", sc.Name, err)
		}
		logger.Info("ensured stream", "stream", sc.Name, "subjects", sc.Subjects)
	}
	return nil
}
