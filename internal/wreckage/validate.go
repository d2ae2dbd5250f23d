package wreckage

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

// assetRegex matches asset symbols such as BTC, ETH-PERP or SOL-USDT-PERP.
var assetRegex = regexp.MustCompile(`^[A-Z0-9]{2,12}(-[A-Z0-9]{2,12}){0,2}$`)

// MaxAmount bounds a single event; anything larger is treated as malformed.
var MaxAmount = decimal.NewFromInt(1_000_000_000_000)

// ValidAsset reports whether s is a well-formed asset symbol.
func ValidAsset(s string) bool {
	return assetRegex.MatchString(s)
}

// ValidateEvent checks a submitted wreckage event.
func ValidateEvent(e *model.WreckageEvent) error {
	if !ValidAsset(e.Asset) {
		return fmt.Errorf("%w: asset %q (expected e.g. BTC or ETH-PERP)", ErrInvalidWreckageEvent, e.Asset)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidWreckageEvent, e.Amount)
	}
	if e.Amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount %s exceeds maximum %s", ErrInvalidWreckageEvent, e.Amount, MaxAmount)
	}
	switch e.Direction {
	case model.DirectionLong, model.DirectionShort:
	default:
		return fmt.Errorf("%w: direction must be LONG or SHORT, got %q", ErrInvalidWreckageEvent, e.Direction)
	}
	switch e.FundingSign {
	case "", model.SignPayer, model.SignReceiver:
	default:
		return fmt.Errorf("%w: funding_sign must be PAYER or RECEIVER, got %q", ErrInvalidWreckageEvent, e.FundingSign)
	}
	return nil
}

// ValidateExposure checks a submitted funding exposure.
func ValidateExposure(x *model.FundingExposure) error {
	if !ValidAsset(x.Asset) {
		return fmt.Errorf("%w: asset %q", ErrInvalidExposure, x.Asset)
	}
	if !x.Notional.IsPositive() {
		return fmt.Errorf("%w: notional must be positive, got %s", ErrInvalidExposure, x.Notional)
	}
	if x.Sign != model.SignPayer && x.Sign != model.SignReceiver {
		return fmt.Errorf("%w: sign must be PAYER or RECEIVER, got %q", ErrInvalidExposure, x.Sign)
	}
	return nil
}
