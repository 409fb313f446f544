// Package connector defines the capability contract every exchange adapter
// implements. The gateway never speaks an exchange wire protocol itself; it
// composes resilience (retry, normalization, shared-balance coordination) on
// top of this interface.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
)

// Op identifies one connector operation for feature-flag lookups.
type Op string

const (
	OpLoadMarkets      Op = "loadMarkets"
	OpFetchBalance     Op = "fetchBalance"
	OpFetchPositions   Op = "fetchPositions"
	OpFetchTicker      Op = "fetchTicker"
	OpFetchOHLCV       Op = "fetchOHLCV"
	OpFetchFundingRate Op = "fetchFundingRate"
	OpCreateOrder      Op = "createOrder"
	OpCancelOrder      Op = "cancelOrder"
	OpCancelAllOrders  Op = "cancelAllOrders"
	OpFetchOpenOrders  Op = "fetchOpenOrders"
	OpFetchOrder       Op = "fetchOrder"
	OpSetLeverage      Op = "setLeverage"
)

// OrderRequest carries a fully resolved, precision-adjusted order to the
// connector. Symbol is in the exchange's unified namespace; the connector owns
// the translation to its native instrument id. TriggerPrice is set for stop
// order types only.
type OrderRequest struct {
	Symbol        string
	Side          model.OrderSide
	Type          model.OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
	Params        map[string]any
}

// Connector is the fixed operation set assumed per exchange. Implementations
// may fail with APIError or plain transport errors; classification happens in
// the gateway layer.
type Connector interface {
	Name() string

	// ServerTime hits a public endpoint; used by the preflight network check.
	ServerTime(ctx context.Context) (time.Time, error)

	LoadMarkets(ctx context.Context) (map[string]model.Market, error)
	FetchBalance(ctx context.Context) (model.Balance, error)
	FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error)
	FetchTicker(ctx context.Context, symbol string) (*model.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]model.Candle, error)
	FetchFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error)

	CreateOrder(ctx context.Context, req OrderRequest) (*model.Order, error)
	CancelOrder(ctx context.Context, id, symbol string) (*model.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, id, symbol string) (*model.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	SetLeverage(ctx context.Context, leverage int, symbol string) error

	// Features reports which operations the venue actually supports.
	Features() map[Op]bool

	Close() error
}

// APIError is a structured exchange rejection: HTTP status plus the venue's
// own error code and message. Adapters return it unmodified so the taxonomy
// can classify on all three fields.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

func (e APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
	}
	return fmt.Sprintf("exchange api error (http %d): %s", e.HTTPStatus, e.Msg)
}
