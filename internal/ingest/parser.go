package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// lossReportJSON is the wire format of a loss report published by a venue.
// Field names use snake_case to match upstream producers.
type lossReportJSON struct {
	EventID     string          `json:"event_id"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"` // USD, number or string
	OriginVenue string          `json:"origin_venue"`
	Direction   string          `json:"direction"`              // "long" or "short"
	FundingSign string          `json:"funding_sign,omitempty"` // "payer", "receiver" or empty
	TimestampMs int64           `json:"timestamp_ms,omitempty"`
}

// ParseLossReport converts a loss report payload into a WreckageEvent. The
// subject's last token is used as origin venue when the payload omits it,
// so producers may publish on wreckage.loss.<venue>.
func ParseLossReport(subject string, data []byte) (model.WreckageEvent, error) {
	var j lossReportJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return model.WreckageEvent{}, fmt.Errorf("%w: parse loss report: %v", wreckage.ErrInvalidWreckageEvent, err)
	}

	e := model.WreckageEvent{
		ID:          j.EventID,
		Asset:       strings.ToUpper(strings.TrimSpace(j.Asset)),
		Amount:      j.Amount,
		OriginVenue: j.OriginVenue,
		Direction:   model.Direction(strings.ToUpper(j.Direction)),
		FundingSign: model.ExposureSign(strings.ToUpper(j.FundingSign)),
	}
	if e.OriginVenue == "" {
		e.OriginVenue = venueFromSubject(subject)
	}
	if j.TimestampMs > 0 {
		e.SubmittedAt = time.UnixMilli(j.TimestampMs).UTC()
	}

	if err := wreckage.ValidateEvent(&e); err != nil {
		return model.WreckageEvent{}, err
	}
	return e, nil
}

func venueFromSubject(subject string) string {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 {
		return ""
	}
	last := tokens[len(tokens)-1]
	if last == "*" || last == ">" {
		return ""
	}
	return last
}
