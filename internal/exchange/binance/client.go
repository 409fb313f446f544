// Package binance adapts Binance USDT-margined futures to the connector
// capability contract. Only the venue-specific endpoints and signing live
// here; retries, normalization and balance coordination belong to the
// gateway.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/connector"
	"github.com/perpgate/perpgate/internal/exchange"
	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
)

const (
	mainnetBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	recvWindowMs = 5000
)

func init() {
	exchange.Register(exchange.Capability{
		Name: "binance",
		NewConnector: func(cfg config.ExchangeConfig) (connector.Connector, error) {
			return NewClient(cfg), nil
		},
		Supported: supportedOps,
	})
}

var supportedOps = map[connector.Op]bool{
	connector.OpLoadMarkets:      true,
	connector.OpFetchBalance:     true,
	connector.OpFetchPositions:   true,
	connector.OpFetchTicker:      true,
	connector.OpFetchOHLCV:       true,
	connector.OpFetchFundingRate: true,
	connector.OpCreateOrder:      true,
	connector.OpCancelOrder:      true,
	connector.OpCancelAllOrders:  true,
	connector.OpFetchOpenOrders:  true,
	connector.OpFetchOrder:       true,
	connector.OpSetLeverage:      true,
}

type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client

	mu         sync.Mutex
	toNative   map[string]string // unified symbol -> exchange id
	fromNative map[string]string // exchange id -> unified symbol
}

func NewClient(cfg config.ExchangeConfig) *Client {
	baseURL := mainnetBaseURL
	if cfg.Sandbox {
		baseURL = testnetBaseURL
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.Secret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		toNative:   make(map[string]string),
		fromNative: make(map[string]string),
	}
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Features() map[connector.Op]bool { return supportedOps }

func (c *Client) Close() error { return nil }

func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/time", url.Values{}, false)
	if err != nil {
		return time.Time{}, err
	}
	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.ServerTime).UTC(), nil
}

func (c *Client) LoadMarkets(ctx context.Context) (map[string]model.Market, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, false)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	markets := make(map[string]model.Market, len(resp.Symbols))
	c.mu.Lock()
	for _, s := range resp.Symbols {
		m := s.toMarket()
		markets[m.Symbol] = m
		c.toNative[m.Symbol] = s.Symbol
		c.fromNative[s.Symbol] = m.Symbol
	}
	c.mu.Unlock()
	return markets, nil
}

func (c *Client) FetchBalance(ctx context.Context) (model.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	out := make(model.Balance, len(entries))
	for _, e := range entries {
		total := mustDecimal(e.Balance)
		free := mustDecimal(e.AvailableBalance)
		out[e.Asset] = model.Asset{Free: free, Used: total.Sub(free), Total: total}
	}
	return out, nil
}

func (c *Client) FetchPositions(ctx context.Context, symbols []string) ([]model.Position, error) {
	params := url.Values{}
	if len(symbols) == 1 {
		params.Set("symbol", c.nativeSymbol(symbols[0]))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var entries []positionEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[c.nativeSymbol(s)] = true
	}
	positions := make([]model.Position, 0, len(entries))
	for _, e := range entries {
		amt := mustDecimal(e.PositionAmt)
		if amt.IsZero() {
			continue
		}
		if len(wanted) > 0 && !wanted[e.Symbol] {
			continue
		}
		side := model.PositionLong
		if amt.IsNegative() {
			side = model.PositionShort
		}
		margin := model.MarginCross
		if strings.EqualFold(e.MarginType, "isolated") {
			margin = model.MarginIsolated
		}
		positions = append(positions, model.Position{
			Symbol:           c.unifiedSymbol(e.Symbol),
			Side:             side,
			Contracts:        amt.Abs(),
			Notional:         mustDecimal(e.Notional).Abs(),
			EntryPrice:       mustDecimal(e.EntryPrice),
			MarkPrice:        mustDecimal(e.MarkPrice),
			LiquidationPrice: mustDecimal(e.LiquidationPrice),
			Leverage:         mustDecimal(e.Leverage),
			UnrealizedPnl:    mustDecimal(e.UnrealizedProfit),
			MarginMode:       margin,
			Collateral:       mustDecimal(e.IsolatedMargin),
			Timestamp:        time.UnixMilli(e.UpdateTime).UTC(),
		})
	}
	return positions, nil
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", params, false)
	if err != nil {
		return nil, err
	}
	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &model.Ticker{
		Symbol:    symbol,
		Bid:       mustDecimal(resp.BidPrice),
		Ask:       mustDecimal(resp.AskPrice),
		Last:      mustDecimal(resp.LastPrice),
		Timestamp: time.UnixMilli(resp.CloseTime).UTC(),
	}, nil
}

func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	params.Set("interval", timeframe)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		candles = append(candles, model.Candle{
			Timestamp: time.UnixMilli(int64(openTime)).UTC(),
			Open:      anyDecimal(row[1]),
			High:      anyDecimal(row[2]),
			Low:       anyDecimal(row[3]),
			Close:     anyDecimal(row[4]),
			Volume:    anyDecimal(row[5]),
		})
	}
	return candles, nil
}

func anyDecimal(v any) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	return mustDecimal(s)
}

func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (*model.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return nil, err
	}
	var resp premiumIndexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &model.FundingRate{
		Symbol:          symbol,
		Rate:            mustDecimal(resp.LastFundingRate),
		NextFundingTime: time.UnixMilli(resp.NextFundingTime).UTC(),
		Timestamp:       time.UnixMilli(resp.Time).UTC(),
	}, nil
}

func (c *Client) CreateOrder(ctx context.Context, req connector.OrderRequest) (*model.Order, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", orderTypeToExchange(req.Type))
	params.Set("quantity", req.Amount.String())
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	switch req.Type {
	case model.OrderLimit:
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	case model.OrderStop, model.OrderStopLimit:
		// STOP is a stop-limit: limit price plus the trigger.
		params.Set("price", req.Price.String())
		params.Set("stopPrice", req.TriggerPrice.String())
	case model.OrderStopMarket:
		params.Set("stopPrice", req.TriggerPrice.String())
	}
	for key, val := range req.Params {
		params.Set(key, fmt.Sprint(val))
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(req.Symbol), nil
}

func (c *Client) CancelOrder(ctx context.Context, id, symbol string) (*model.Order, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	params.Set("orderId", id)
	body, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(symbol), nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

func (c *Client) FetchOrder(ctx context.Context, id, symbol string) (*model.Order, error) {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	params.Set("orderId", id)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(symbol), nil
}

func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", c.nativeSymbol(symbol))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var resp []orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(resp))
	for _, r := range resp {
		orders = append(orders, *r.toOrder(c.unifiedSymbol(r.Symbol)))
	}
	return orders, nil
}

func (c *Client) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	params := url.Values{}
	params.Set("symbol", c.nativeSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// nativeSymbol translates a unified symbol to the venue's instrument id,
// preferring the table built by LoadMarkets and falling back to the naming
// convention (strip settle suffix, drop the slash).
func (c *Client) nativeSymbol(symbol string) string {
	c.mu.Lock()
	native, ok := c.toNative[symbol]
	c.mu.Unlock()
	if ok {
		return native
	}
	if i := strings.Index(symbol, ":"); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ReplaceAll(symbol, "/", "")
}

func (c *Client) unifiedSymbol(native string) string {
	c.mu.Lock()
	unified, ok := c.fromNative[native]
	c.mu.Unlock()
	if ok {
		return unified
	}
	return native
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
		query = params.Encode()
		// The signature covers the exact query it trails.
		query += "&signature=" + sign(c.apiSecret, query)
	}
	urlStr := c.baseURL + path
	if query != "" {
		urlStr += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}
	if signed || c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorBody
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return nil, connector.APIError{HTTPStatus: resp.StatusCode, Code: apiErr.Code, Msg: apiErr.Msg}
	}
	return body, nil
}
