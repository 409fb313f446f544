// Package gateway composes the exchange integration resilience layer: one
// uniform contract over heterogeneous exchange connectors with retry/backoff,
// error normalization, symbol and precision resolution, connect-time preflight
// verification and cross-process shared balance coordination.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/perpgate/perpgate/internal/balance"
	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/connector"
	"github.com/perpgate/perpgate/internal/exchange"
	"github.com/perpgate/perpgate/internal/model"
	"github.com/perpgate/perpgate/internal/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Default request budget against a venue's REST API. The expensive balance
// endpoint is additionally coordinated across processes via the shared cache.
const (
	defaultRequestsPerSecond = 10
	defaultRequestBurst      = 20
)

// ConnectOptions tunes Connect. A nil pointer means load markets and run the
// preflight check.
type ConnectOptions struct {
	LoadMarkets   bool
	SkipPreflight bool
}

// Gateway is the per-exchange resilience facade. It is driven from a single
// cooperative task; cross-process coordination happens only through the shared
// balance store's atomic primitives.
type Gateway struct {
	name      string
	cfg       *config.Config
	cap       exchange.Capability
	conn      connector.Connector
	retrier   *retrier
	resolver  *symbolResolver
	limiter   *rate.Limiter
	log       *slog.Logger
	handlers  []Handler
	cache     *balance.Cache
	markets   map[string]model.Market
	precision map[string]model.PrecisionInfo
}

// New builds a gateway for the configured exchange. kv may be nil when shared
// balance coordination is disabled, or for roles allowed to degrade to direct
// fetches. A follower without a store is refused outright: silently falling
// back would turn the whole follower fleet into direct fetchers.
func New(cfg *config.Config, kv balance.KV) (*Gateway, error) {
	if cfg.SharedBalance.Enabled && kv == nil && balance.Role(cfg.SharedBalance.Role) == balance.RoleFollower {
		return nil, fmt.Errorf("shared balance role is follower but no store is available: followers never fetch directly")
	}
	capability, err := exchange.Lookup(cfg.Exchange.Name)
	if err != nil {
		return nil, err
	}
	conn, err := capability.NewConnector(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s connector: %w", cfg.Exchange.Name, err)
	}
	return newWithConnector(cfg, capability, conn, kv), nil
}

func newWithConnector(cfg *config.Config, capability exchange.Capability, conn connector.Connector, kv balance.KV) *Gateway {
	g := &Gateway{
		name:     cfg.Exchange.Name,
		cfg:      cfg,
		cap:      capability,
		conn:     conn,
		resolver: newSymbolResolver(model.MarketType(cfg.Exchange.MarketType)),
		limiter:  rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestBurst),
		log:      slog.Default().With("exchange", cfg.Exchange.Name),
	}
	g.retrier = newRetrier(g.name, RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
	})
	g.retrier.onRetry = func(label string, attempt int, delay time.Duration, cause *NormalizedError) {
		g.log.Warn("retrying operation",
			"operation", label, "attempt", attempt, "delay", delay.String(), "kind", string(cause.Kind))
		g.emit(EventRetry, RetryPayload{Operation: label, Attempt: attempt, Delay: delay, Cause: cause.Message})
	}
	g.retrier.onFatal = func(label string, cause *NormalizedError) {
		g.emit(EventError, ErrorPayload{Operation: label, Err: cause})
	}

	if cfg.SharedBalance.Enabled && kv != nil {
		sb := cfg.SharedBalance
		g.cache = balance.New(g.name, kv, g.directFetchBalance, balance.Config{
			Role:        balance.Role(sb.Role),
			TTL:         time.Duration(sb.TTLMs) * time.Millisecond,
			StaleMax:    time.Duration(sb.StaleMaxMs) * time.Millisecond,
			LockTTL:     time.Duration(sb.LockTTLMs) * time.Millisecond,
			WaitTimeout: time.Duration(sb.WaitTimeoutMs) * time.Millisecond,
			KeyPrefix:   sb.KeyPrefix,
			Strict:      sb.Strict,
		}, g.log)
	}
	return g
}

// Name returns the exchange identifier this gateway fronts.
func (g *Gateway) Name() string { return g.name }

// Subscribe registers an event observer. Handlers run inline and must not
// block.
func (g *Gateway) Subscribe(h Handler) {
	g.handlers = append(g.handlers, h)
}

func (g *Gateway) emit(t EventType, payload any) {
	evt := Event{Type: t, Exchange: g.name, Timestamp: time.Now().UTC(), Payload: payload}
	for _, h := range g.handlers {
		h(evt)
	}
}

// Connect verifies the integration and loads market metadata. Preflight
// failures abort in production but demote to warnings in sandbox mode, where
// testnet flakiness is routine.
func (g *Gateway) Connect(ctx context.Context, opts *ConnectOptions) error {
	if opts == nil {
		opts = &ConnectOptions{LoadMarkets: true}
	}

	if !opts.SkipPreflight {
		pf := &preflight{conn: g.conn, exchange: g.name, hasCreds: g.cfg.Exchange.HasCredentials()}
		state, err := pf.Run(ctx)
		if err != nil {
			if !g.cfg.Exchange.Sandbox {
				return err
			}
			g.log.Warn("preflight failed in sandbox mode, continuing", "error", err)
		} else {
			g.log.Info("preflight passed", "state", string(state))
		}
	}

	if opts.LoadMarkets {
		if err := g.loadMarkets(ctx); err != nil {
			return err
		}
	}

	g.emit(EventConnected, nil)
	return nil
}

// loadMarkets populates the market and precision tables; both are read-only
// afterward. Without loaded markets the gateway runs in lightweight mode and
// resolves symbols by convention.
func (g *Gateway) loadMarkets(ctx context.Context) error {
	markets, err := runOp(ctx, g, connector.OpLoadMarkets, func(ctx context.Context) (map[string]model.Market, error) {
		return g.conn.LoadMarkets(ctx)
	})
	if err != nil {
		return err
	}
	precision := make(map[string]model.PrecisionInfo, len(markets))
	for symbol, m := range markets {
		precision[symbol] = m.Precision
	}
	g.markets = markets
	g.precision = precision
	g.resolver.setMarkets(markets)
	g.log.Info("markets loaded", "count", len(markets))
	return nil
}

// runOp is the shared pipeline for every connector call: feature gate, rate
// limiter, per-call timeout, latency metrics, retry engine, normalization.
func runOp[T any](ctx context.Context, g *Gateway, op connector.Op, fn func(context.Context) (T, error)) (T, error) {
	return execRetry(ctx, g.retrier, string(op), func(ctx context.Context) (T, error) {
		var zero T
		if !g.supports(op) {
			return zero, &NormalizedError{
				Message:   fmt.Sprintf("%s does not support %s", g.name, op),
				Kind:      KindExchange,
				Exchange:  g.name,
				Retryable: false,
				Timestamp: time.Now().UTC(),
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		callCtx := ctx
		if t := g.cfg.Exchange.Timeout(); t > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		start := time.Now()
		out, err := fn(callCtx)
		metrics.ConnectorLatency.WithLabelValues(g.name, string(op)).Observe(time.Since(start).Seconds())
		return out, err
	})
}

func (g *Gateway) supports(op connector.Op) bool {
	if g.cap.Supported != nil && !g.cap.Supported[op] {
		return false
	}
	features := g.conn.Features()
	if features == nil {
		return true
	}
	return features[op]
}

// FetchBalance routes through the shared balance cache when enabled,
// otherwise falls back to a direct retry-wrapped connector call.
func (g *Gateway) FetchBalance(ctx context.Context) (model.Balance, error) {
	if g.cache != nil {
		return g.cache.Get(ctx)
	}
	return g.directFetchBalance(ctx)
}

func (g *Gateway) directFetchBalance(ctx context.Context) (model.Balance, error) {
	return runOp(ctx, g, connector.OpFetchBalance, func(ctx context.Context) (model.Balance, error) {
		return g.conn.FetchBalance(ctx)
	})
}

func (g *Gateway) FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error) {
	resolved := make([]string, len(symbols))
	for i, s := range symbols {
		resolved[i] = g.resolver.Resolve(s)
	}
	return runOp(ctx, g, connector.OpFetchPositions, func(ctx context.Context) ([]model.Position, error) {
		return g.conn.FetchPositions(ctx, resolved)
	})
}

func (g *Gateway) FetchTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	resolved := g.resolver.Resolve(symbol)
	return runOp(ctx, g, connector.OpFetchTicker, func(ctx context.Context) (*model.Ticker, error) {
		return g.conn.FetchTicker(ctx, resolved)
	})
}

func (g *Gateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]model.Candle, error) {
	resolved := g.resolver.Resolve(symbol)
	return runOp(ctx, g, connector.OpFetchOHLCV, func(ctx context.Context) ([]model.Candle, error) {
		return g.conn.FetchOHLCV(ctx, resolved, timeframe, since, limit)
	})
}

func (g *Gateway) FetchFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	resolved := g.resolver.Resolve(symbol)
	return runOp(ctx, g, connector.OpFetchFundingRate, func(ctx context.Context) (*model.FundingRate, error) {
		return g.conn.FetchFundingRate(ctx, resolved)
	})
}

// CreateOrder resolves the symbol, floors amount and price to the instrument's
// precision, validates exchange limits and submits through the retry engine.
// Stop orders take their trigger from params under "stopPrice" or
// "triggerPrice"; the trigger is quantized like a price and carried as its own
// request field rather than an opaque param.
func (g *Gateway) CreateOrder(ctx context.Context, symbol string, side model.OrderSide, typ model.OrderType, amount, price decimal.Decimal, params map[string]any) (*model.Order, error) {
	resolved := g.resolver.Resolve(symbol)
	info, hasInfo := g.precision[resolved]
	if len(g.markets) > 0 && !hasInfo {
		return nil, g.invalidOrder(fmt.Sprintf("invalid symbol %q", symbol))
	}

	trigger, params := splitTriggerPrice(params)
	if orderTypeUsesTrigger(typ) && !trigger.IsPositive() {
		return nil, g.invalidOrder(fmt.Sprintf("%s orders require a positive stopPrice", typ))
	}

	if hasInfo {
		amount = AdjustAmount(amount, info)
		if orderTypeUsesPrice(typ) {
			price = AdjustPrice(price, info)
		}
		if trigger.IsPositive() {
			trigger = AdjustPrice(trigger, info)
		}
		if err := g.validateLimits(resolved, typ, amount, price, info); err != nil {
			return nil, err
		}
	} else if !amount.IsPositive() {
		return nil, g.invalidOrder("order amount must be positive")
	}

	req := connector.OrderRequest{
		Symbol:        resolved,
		Side:          side,
		Type:          typ,
		Amount:        amount,
		Price:         price,
		TriggerPrice:  trigger,
		ClientOrderID: "pg-" + uuid.NewString(),
		Params:        params,
	}
	order, err := runOp(ctx, g, connector.OpCreateOrder, func(ctx context.Context) (*model.Order, error) {
		return g.conn.CreateOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	g.normalizeOrder(order, resolved)
	g.emit(EventOrderCreated, order)
	return order, nil
}

func (g *Gateway) validateLimits(symbol string, typ model.OrderType, amount, price decimal.Decimal, info model.PrecisionInfo) error {
	if !amount.IsPositive() {
		return g.invalidOrder(fmt.Sprintf("%s: amount rounds down to zero", symbol))
	}
	if info.MinAmount.IsPositive() && amount.LessThan(info.MinAmount) {
		return g.invalidOrder(fmt.Sprintf("%s: amount %s below minimum %s", symbol, amount, info.MinAmount))
	}
	if info.MaxAmount.IsPositive() && amount.GreaterThan(info.MaxAmount) {
		return g.invalidOrder(fmt.Sprintf("%s: amount %s above maximum %s", symbol, amount, info.MaxAmount))
	}
	if orderTypeUsesPrice(typ) {
		if !price.IsPositive() {
			return g.invalidOrder(fmt.Sprintf("%s: price must be positive", symbol))
		}
		if info.MinPrice.IsPositive() && price.LessThan(info.MinPrice) {
			return g.invalidOrder(fmt.Sprintf("%s: price %s below minimum %s", symbol, price, info.MinPrice))
		}
		if info.MaxPrice.IsPositive() && price.GreaterThan(info.MaxPrice) {
			return g.invalidOrder(fmt.Sprintf("%s: price %s above maximum %s", symbol, price, info.MaxPrice))
		}
		if info.MinCost.IsPositive() && amount.Mul(price).LessThan(info.MinCost) {
			return g.invalidOrder(fmt.Sprintf("%s: notional %s below minimum cost %s", symbol, amount.Mul(price), info.MinCost))
		}
	}
	return nil
}

func (g *Gateway) invalidOrder(msg string) *NormalizedError {
	return &NormalizedError{
		Message:   msg,
		Kind:      KindInvalidOrder,
		Exchange:  g.name,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func orderTypeUsesPrice(typ model.OrderType) bool {
	switch typ {
	case model.OrderLimit, model.OrderStop, model.OrderStopLimit:
		return true
	}
	return false
}

func orderTypeUsesTrigger(typ model.OrderType) bool {
	switch typ {
	case model.OrderStop, model.OrderStopLimit, model.OrderStopMarket:
		return true
	}
	return false
}

// splitTriggerPrice pulls the trigger out of the caller's params so connectors
// receive it once, typed and quantized, never as a raw passthrough. The
// caller's map is left untouched.
func splitTriggerPrice(params map[string]any) (decimal.Decimal, map[string]any) {
	if len(params) == 0 {
		return decimal.Decimal{}, params
	}
	trigger := decimal.Decimal{}
	out := make(map[string]any, len(params))
	for key, val := range params {
		switch key {
		case "stopPrice", "triggerPrice":
			if d, ok := paramDecimal(val); ok {
				trigger = d
			}
		default:
			out[key] = val
		}
	}
	return trigger, out
}

func paramDecimal(val any) (decimal.Decimal, bool) {
	switch v := val.(type) {
	case decimal.Decimal:
		return v, true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	}
	return decimal.Decimal{}, false
}

// normalizeOrder fills derived fields connectors commonly leave blank.
func (g *Gateway) normalizeOrder(o *model.Order, symbol string) {
	if o == nil {
		return
	}
	if o.Symbol == "" {
		o.Symbol = symbol
	}
	if o.Status == "" {
		o.Status = model.StatusOpen
	}
	if o.Remaining.IsZero() && o.Amount.GreaterThan(o.Filled) {
		o.Remaining = o.Amount.Sub(o.Filled)
	}
	if o.Cost.IsZero() && !o.Filled.IsZero() && !o.Average.IsZero() {
		o.Cost = o.Filled.Mul(o.Average)
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}
}

func (g *Gateway) CancelOrder(ctx context.Context, id, symbol string) (*model.Order, error) {
	resolved := g.resolver.Resolve(symbol)
	order, err := runOp(ctx, g, connector.OpCancelOrder, func(ctx context.Context) (*model.Order, error) {
		return g.conn.CancelOrder(ctx, id, resolved)
	})
	if err != nil {
		return nil, err
	}
	g.normalizeOrder(order, resolved)
	if order != nil && order.Status == model.StatusOpen {
		order.Status = model.StatusCanceled
	}
	g.emit(EventOrderCanceled, order)
	return order, nil
}

func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	resolved := g.resolver.Resolve(symbol)
	_, err := runOp(ctx, g, connector.OpCancelAllOrders, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.conn.CancelAllOrders(ctx, resolved)
	})
	if err != nil {
		return err
	}
	g.emit(EventAllOrdersCanceled, map[string]string{"symbol": resolved})
	return nil
}

func (g *Gateway) FetchOrder(ctx context.Context, id, symbol string) (*model.Order, error) {
	resolved := g.resolver.Resolve(symbol)
	order, err := runOp(ctx, g, connector.OpFetchOrder, func(ctx context.Context) (*model.Order, error) {
		return g.conn.FetchOrder(ctx, id, resolved)
	})
	if err != nil {
		return nil, err
	}
	g.normalizeOrder(order, resolved)
	return order, nil
}

// FetchOpenOrders accepts an empty symbol to mean all symbols, when the venue
// allows it.
func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	resolved := ""
	if strings.TrimSpace(symbol) != "" {
		resolved = g.resolver.Resolve(symbol)
	}
	orders, err := runOp(ctx, g, connector.OpFetchOpenOrders, func(ctx context.Context) ([]model.Order, error) {
		return g.conn.FetchOpenOrders(ctx, resolved)
	})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		g.normalizeOrder(&orders[i], orders[i].Symbol)
	}
	return orders, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	resolved := g.resolver.Resolve(symbol)
	_, err := runOp(ctx, g, connector.OpSetLeverage, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.conn.SetLeverage(ctx, leverage, resolved)
	})
	return err
}

// GetPrecision returns the quantization table for a symbol, resolving the
// namespace first. ok is false in lightweight mode or for unknown symbols.
func (g *Gateway) GetPrecision(symbol string) (model.PrecisionInfo, bool) {
	info, ok := g.precision[g.resolver.Resolve(symbol)]
	return info, ok
}

// ResolveSymbol exposes namespace reconciliation for collaborators that need
// the canonical form (e.g. the ops surface).
func (g *Gateway) ResolveSymbol(symbol string) string {
	return g.resolver.Resolve(symbol)
}

// Markets returns the loaded market table; nil in lightweight mode.
func (g *Gateway) Markets() map[string]model.Market {
	return g.markets
}

// Close releases the connector and announces the disconnect.
func (g *Gateway) Close() error {
	err := g.conn.Close()
	g.emit(EventDisconnected, nil)
	return err
}
