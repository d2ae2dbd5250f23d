package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// DefaultSubject is where fill requests are sent.
const DefaultSubject = "wreckage.fallback.fill"

// FillRequest is the request body on the fallback subject. A request with
// VoidFillID set takes back that fill instead of asking for a new one.
type FillRequest struct {
	RequestID  string          `json:"request_id"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	VoidFillID string          `json:"void_fill_id,omitempty"`
}

// FillReply is the reply body. A non-empty Error means the maker declined.
type FillReply struct {
	model.FillReport
	Error string `json:"error,omitempty"`
}

// NATSMaker asks a remote market maker for fills over NATS request/reply.
type NATSMaker struct {
	nc      *nats.Conn
	subject string
}

// NewNATSMaker creates a NATS-backed market maker client.
func NewNATSMaker(nc *nats.Conn, subject string) *NATSMaker {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSMaker{nc: nc, subject: subject}
}

// Fill implements MarketMaker. The deadline comes from ctx.
func (m *NATSMaker) Fill(ctx context.Context, asset string, amount decimal.Decimal) (model.FillReport, error) {
	req := FillRequest{RequestID: uuid.New().String(), Asset: asset, Amount: amount}
	data, err := json.Marshal(req)
	if err != nil {
		return model.FillReport{}, fmt.Errorf("marshal fill request: %w", err)
	}

	msg, err := m.nc.RequestWithContext(ctx, m.subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return model.FillReport{}, ctx.Err()
		}
		return model.FillReport{}, fmt.Errorf("fallback request %s: %w", req.RequestID, err)
	}
	fill, err := decodeReply(msg.Data, amount)
	if err == nil && fill.Asset == "" {
		fill.Asset = asset
	}
	return fill, err
}

// Void implements Voider.
func (m *NATSMaker) Void(ctx context.Context, fill model.FillReport) error {
	req := FillRequest{RequestID: uuid.New().String(), Asset: fill.Asset, Amount: fill.Filled, VoidFillID: fill.ID}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal void request: %w", err)
	}

	msg, err := m.nc.RequestWithContext(ctx, m.subject, data)
	if err != nil {
		return fmt.Errorf("fallback void %s: %w", fill.ID, err)
	}
	var reply FillReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("fallback void %s: %s", fill.ID, reply.Error)
	}
	return nil
}

func decodeReply(data []byte, requested decimal.Decimal) (model.FillReport, error) {
	var reply FillReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return model.FillReport{}, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	if reply.Error != "" {
		return model.FillReport{}, fmt.Errorf("%w: %s", ErrExhausted, reply.Error)
	}
	if err := Validate(reply.FillReport, requested); err != nil {
		return model.FillReport{}, err
	}
	return reply.FillReport, nil
}

// Serve answers fill requests on subject using maker. It lets an in-process
// maker stand in for the remote one in development deployments.
func Serve(nc *nats.Conn, subject string, maker MarketMaker) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var req FillRequest
		var reply FillReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "invalid request: " + err.Error()
		} else if req.VoidFillID != "" {
			reply.Error = serveVoid(maker, req)
		} else if fill, err := maker.Fill(context.Background(), req.Asset, req.Amount); err != nil {
			reply.Error = err.Error()
		} else {
			reply.FillReport = fill
		}

		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("marshal fallback reply failed", "err", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("fallback reply failed", "request_id", req.RequestID, "err", err)
		}
	})
}

func serveVoid(maker MarketMaker, req FillRequest) string {
	v, ok := maker.(Voider)
	if !ok {
		return "void not supported"
	}
	fill := model.FillReport{ID: req.VoidFillID, Asset: req.Asset, Filled: req.Amount}
	if err := v.Void(context.Background(), fill); err != nil {
		return err.Error()
	}
	return ""
}
