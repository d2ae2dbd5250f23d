package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
)

// publisher is the part of jetstream.JetStream used for outbound messages.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// MintIssuer hands mint results to the token-issuance service on
// <prefix>.<asset>. The result's reference id is used as message id so
// JetStream drops duplicates.
type MintIssuer struct {
	js     publisher
	prefix string
}

// NewMintIssuer creates an issuer publishing under prefix.
func NewMintIssuer(js jetstream.JetStream, prefix string) *MintIssuer {
	return &MintIssuer{js: js, prefix: prefix}
}

// Issue implements orchestrator.Issuer.
func (m *MintIssuer) Issue(ctx context.Context, r model.MintResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal mint result: %w", err)
	}
	subject := subjectFor(m.prefix, r.Asset)
	msgID := fmt.Sprintf("%s:%s:%s", r.EventID, r.Tier, r.ReferenceID)
	if _, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SettlementPublisher forwards orchestrator settlements to
// <prefix>.<asset>. Publish never blocks: updates are buffered and dropped
// when the buffer is full.
type SettlementPublisher struct {
	js     publisher
	prefix string
	logger *slog.Logger
	in     chan orchestrator.Update
}

// NewSettlementPublisher creates a publisher with a buffer of size updates.
func NewSettlementPublisher(js jetstream.JetStream, prefix string, size int, logger *slog.Logger) *SettlementPublisher {
	return newSettlementPublisher(js, prefix, size, logger)
}

func newSettlementPublisher(js publisher, prefix string, size int, logger *slog.Logger) *SettlementPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 256
	}
	return &SettlementPublisher{js: js, prefix: prefix, logger: logger, in: make(chan orchestrator.Update, size)}
}

// Publish implements orchestrator.Publisher. Only settlements go out.
func (p *SettlementPublisher) Publish(u orchestrator.Update) {
	if u.Type != "settlement" || u.Settlement == nil {
		return
	}
	select {
	case p.in <- u:
	default:
		p.logger.Warn("settlement publish buffer full, dropping", "event_id", u.EventID)
	}
}

// Run publishes buffered settlements until ctx is done.
func (p *SettlementPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-p.in:
			if err := p.publish(ctx, u.Settlement); err != nil {
				// Non-fatal: settlements remain queryable from the store.
				p.logger.Warn("settlement publish failed", "event_id", u.EventID, "err", err)
			}
		}
	}
}

func (p *SettlementPublisher) publish(ctx context.Context, st *model.Settlement) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = p.js.Publish(ctx, subjectFor(p.prefix, st.Asset), data, jetstream.WithMsgID(st.EventID))
	return err
}

// subjectFor builds <prefix>.<asset> with the asset lower-cased. Dots are
// not valid inside a token.
func subjectFor(prefix, asset string) string {
	token := strings.ToLower(strings.ReplaceAll(asset, ".", "_"))
	if token == "" {
		token = "unknown"
	}
	return prefix + "." + token
}
