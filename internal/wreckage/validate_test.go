package wreckage

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func validEvent() *model.WreckageEvent {
	return &model.WreckageEvent{
		Asset:       "BTC-PERP",
		Amount:      d(1000),
		OriginVenue: "binance",
		Direction:   model.DirectionLong,
	}
}

func TestValidAsset(t *testing.T) {
	for _, s := range []string{"BTC", "ETH-PERP", "SOL-USDT-PERP", "1INCH"} {
		if !ValidAsset(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	for _, s := range []string{"", "b", "btc", "BTC_PERP", "A-B-C-D", "BTC-"} {
		if ValidAsset(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestValidateEvent_Valid(t *testing.T) {
	if err := ValidateEvent(validEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEvent_NonPositiveAmount(t *testing.T) {
	for _, amt := range []float64{0, -5} {
		e := validEvent()
		e.Amount = d(amt)
		if err := ValidateEvent(e); !errors.Is(err, ErrInvalidWreckageEvent) {
			t.Errorf("amount %v: expected ErrInvalidWreckageEvent, got %v", amt, err)
		}
	}
}

func TestValidateEvent_BadAsset(t *testing.T) {
	e := validEvent()
	e.Asset = "btc perp"
	if err := ValidateEvent(e); !errors.Is(err, ErrInvalidWreckageEvent) {
		t.Errorf("expected ErrInvalidWreckageEvent, got %v", err)
	}
}

func TestValidateEvent_BadDirection(t *testing.T) {
	e := validEvent()
	e.Direction = "SIDEWAYS"
	if err := ValidateEvent(e); !errors.Is(err, ErrInvalidWreckageEvent) {
		t.Errorf("expected ErrInvalidWreckageEvent, got %v", err)
	}
}

func TestValidateEvent_BadFundingSign(t *testing.T) {
	e := validEvent()
	e.FundingSign = "MAYBE"
	if err := ValidateEvent(e); !errors.Is(err, ErrInvalidWreckageEvent) {
		t.Errorf("expected ErrInvalidWreckageEvent, got %v", err)
	}
}

func TestValidateExposure(t *testing.T) {
	x := &model.FundingExposure{Asset: "ETH", Notional: d(10), Sign: model.SignPayer}
	if err := ValidateExposure(x); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	x.Sign = ""
	if err := ValidateExposure(x); !errors.Is(err, ErrInvalidExposure) {
		t.Errorf("expected ErrInvalidExposure, got %v", err)
	}
}
