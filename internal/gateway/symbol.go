package gateway

import (
	"strings"

	"github.com/perpgate/perpgate/internal/model"
)

// Candidate settle currencies probed when converting a spot symbol to its
// derivative form.
var settleSuffixes = []string{":USDT", ":USD", ":BUSD"}

// symbolResolver reconciles the spot ("BASE/QUOTE") and derivative
// ("BASE/QUOTE:SETTLE") namespaces against loaded market metadata. With no
// metadata (lightweight mode) it converts purely by configured market type.
// Resolution is idempotent: resolving an already resolved symbol is a no-op.
type symbolResolver struct {
	marketType model.MarketType
	markets    map[string]model.Market
}

func newSymbolResolver(marketType model.MarketType) *symbolResolver {
	return &symbolResolver{marketType: marketType}
}

func (r *symbolResolver) setMarkets(markets map[string]model.Market) {
	r.markets = markets
}

func isDerivativeSymbol(symbol string) bool {
	return strings.Contains(symbol, ":")
}

func stripSettle(symbol string) string {
	if i := strings.Index(symbol, ":"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// Resolve maps a requested symbol onto the loaded market namespace. Input it
// cannot resolve passes through unchanged so downstream validation reports the
// invalid symbol instead of silently trading something else.
func (r *symbolResolver) Resolve(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return symbol
	}

	if len(r.markets) == 0 {
		return r.resolveLightweight(symbol)
	}

	if _, ok := r.markets[symbol]; ok {
		return symbol
	}
	if isDerivativeSymbol(symbol) {
		if spot := stripSettle(symbol); r.has(spot) {
			return spot
		}
	} else {
		for _, suffix := range settleSuffixes {
			if candidate := symbol + suffix; r.has(candidate) {
				return candidate
			}
		}
	}
	return symbol
}

func (r *symbolResolver) has(symbol string) bool {
	_, ok := r.markets[symbol]
	return ok
}

func (r *symbolResolver) resolveLightweight(symbol string) string {
	switch r.marketType {
	case model.MarketSpot:
		if isDerivativeSymbol(symbol) {
			return stripSettle(symbol)
		}
	case model.MarketSwap, model.MarketFuture:
		if !isDerivativeSymbol(symbol) {
			return symbol + ":USDT"
		}
	}
	return symbol
}
