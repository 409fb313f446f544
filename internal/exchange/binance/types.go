package binance

import (
	"strconv"
	"strings"
	"time"

	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
)

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol       string         `json:"symbol"`
	Status       string         `json:"status"`
	BaseAsset    string         `json:"baseAsset"`
	QuoteAsset   string         `json:"quoteAsset"`
	MarginAsset  string         `json:"marginAsset"`
	ContractType string         `json:"contractType"`
	Filters      []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
	MinPrice   string `json:"minPrice"`
	MaxPrice   string `json:"maxPrice"`
	Notional   string `json:"notional"`
}

func (s symbolInfo) unifiedSymbol() string {
	return s.BaseAsset + "/" + s.QuoteAsset + ":" + s.MarginAsset
}

func (s symbolInfo) toMarket() model.Market {
	m := model.Market{
		Symbol: s.unifiedSymbol(),
		Base:   s.BaseAsset,
		Quote:  s.QuoteAsset,
		Settle: s.MarginAsset,
		Type:   model.MarketFuture,
		Active: s.Status == "TRADING",
	}
	if s.ContractType == "PERPETUAL" {
		m.Type = model.MarketSwap
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			if step, err := decimal.NewFromString(f.TickSize); err == nil && step.IsPositive() {
				m.Precision.Price = model.StepOf(step)
			}
			m.Precision.MinPrice = mustDecimal(f.MinPrice)
			m.Precision.MaxPrice = mustDecimal(f.MaxPrice)
		case "LOT_SIZE":
			if step, err := decimal.NewFromString(f.StepSize); err == nil && step.IsPositive() {
				m.Precision.Amount = model.StepOf(step)
			}
			m.Precision.MinAmount = mustDecimal(f.MinQty)
			m.Precision.MaxAmount = mustDecimal(f.MaxQty)
		case "MIN_NOTIONAL":
			m.Precision.MinCost = mustDecimal(f.Notional)
		}
	}
	return m
}

func mustDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type balanceEntry struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type positionEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedMargin   string `json:"isolatedMargin"`
	Notional         string `json:"notional"`
	UpdateTime       int64  `json:"updateTime"`
}

type tickerResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	CloseTime int64  `json:"closeTime"`
}

type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	UpdateTime    int64  `json:"updateTime"`
	Time          int64  `json:"time"`
}

func (r orderResponse) toOrder(symbol string) *model.Order {
	amount := mustDecimal(r.OrigQty)
	filled := mustDecimal(r.ExecutedQty)
	order := &model.Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        symbol,
		Side:          model.OrderSide(strings.ToLower(r.Side)),
		Type:          orderTypeFromExchange(r.Type),
		Amount:        amount,
		Price:         mustDecimal(r.Price),
		Filled:        filled,
		Remaining:     amount.Sub(filled),
		Cost:          mustDecimal(r.CumQuote),
		Average:       mustDecimal(r.AvgPrice),
		Status:        orderStatusFromExchange(r.Status),
	}
	ts := r.UpdateTime
	if ts == 0 {
		ts = r.Time
	}
	if ts > 0 {
		order.Timestamp = time.UnixMilli(ts).UTC()
	}
	return order
}

func orderStatusFromExchange(status string) model.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return model.StatusOpen
	case "FILLED":
		return model.StatusClosed
	case "CANCELED":
		return model.StatusCanceled
	case "REJECTED":
		return model.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return model.StatusExpired
	}
	return model.StatusOpen
}

func orderTypeFromExchange(typ string) model.OrderType {
	switch typ {
	case "MARKET":
		return model.OrderMarket
	case "LIMIT":
		return model.OrderLimit
	case "STOP":
		return model.OrderStopLimit
	case "STOP_MARKET":
		return model.OrderStopMarket
	}
	return model.OrderType(strings.ToLower(typ))
}

func orderTypeToExchange(typ model.OrderType) string {
	switch typ {
	case model.OrderMarket:
		return "MARKET"
	case model.OrderLimit:
		return "LIMIT"
	case model.OrderStop, model.OrderStopLimit:
		return "STOP"
	case model.OrderStopMarket:
		return "STOP_MARKET"
	}
	return strings.ToUpper(string(typ))
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
