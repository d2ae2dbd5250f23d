package orchestrator

import "github.com/shopspring/decimal"

// PriceSource supplies verified USD prices. Verification happens upstream;
// the orchestrator only refuses events for assets without a price.
type PriceSource interface {
	Price(asset string) (decimal.Decimal, bool)
}

// StaticPrices is a fixed price table, loaded from configuration.
type StaticPrices map[string]decimal.Decimal

// Price implements PriceSource.
func (p StaticPrices) Price(asset string) (decimal.Decimal, bool) {
	px, ok := p[asset]
	return px, ok && px.IsPositive()
}
