package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type MarketType string

const (
	MarketSpot   MarketType = "spot"
	MarketSwap   MarketType = "swap"
	MarketFuture MarketType = "future"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderMarket     OrderType = "market"
	OrderLimit      OrderType = "limit"
	OrderStop       OrderType = "stop"
	OrderStopLimit  OrderType = "stop_limit"
	OrderStopMarket OrderType = "stop_market"
)

type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
	StatusExpired  OrderStatus = "expired"
)

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// Fee is the fee charged for a fill, denominated in Currency.
type Fee struct {
	Currency string          `json:"currency"`
	Cost     decimal.Decimal `json:"cost"`
}

type Trade struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Cost      decimal.Decimal `json:"cost"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order is the exchange-neutral order shape returned by every connector.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	Cost          decimal.Decimal `json:"cost"`
	Average       decimal.Decimal `json:"average"`
	Status        OrderStatus     `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	Fee           *Fee            `json:"fee,omitempty"`
	Trades        []Trade         `json:"trades,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Position is the exchange-neutral derivatives position shape.
type Position struct {
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Contracts        decimal.Decimal `json:"contracts"`
	Notional         decimal.Decimal `json:"notional"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Leverage         decimal.Decimal `json:"leverage"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	MarginMode       MarginMode      `json:"margin_mode"`
	Collateral       decimal.Decimal `json:"collateral"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Asset is one currency's balance breakdown.
type Asset struct {
	Free  decimal.Decimal `json:"free"`
	Used  decimal.Decimal `json:"used"`
	Total decimal.Decimal `json:"total"`
}

// Balance maps asset code (e.g. "USDT") to its breakdown.
type Balance map[string]Asset

type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type FundingRate struct {
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Market is the loaded metadata for one tradable instrument.
type Market struct {
	Symbol    string        `json:"symbol"`
	Base      string        `json:"base"`
	Quote     string        `json:"quote"`
	Settle    string        `json:"settle,omitempty"`
	Type      MarketType    `json:"type"`
	Active    bool          `json:"active"`
	Precision PrecisionInfo `json:"precision"`
}
