package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/connector"
	"github.com/perpgate/perpgate/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchangeInfoBody = `{
	"symbols": [
		{
			"symbol": "BTCUSDT",
			"status": "TRADING",
			"baseAsset": "BTC",
			"quoteAsset": "USDT",
			"marginAsset": "USDT",
			"contractType": "PERPETUAL",
			"filters": [
				{"filterType": "PRICE_FILTER", "tickSize": "0.10", "minPrice": "556.80", "maxPrice": "4529764"},
				{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
				{"filterType": "MIN_NOTIONAL", "notional": "100"}
			]
		},
		{
			"symbol": "ETHUSDT_260327",
			"status": "TRADING",
			"baseAsset": "ETH",
			"quoteAsset": "USDT",
			"marginAsset": "USDT",
			"contractType": "CURRENT_QUARTER",
			"filters": []
		}
	]
}`

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.ExchangeConfig{APIKey: "test-key", Secret: "test-secret", TimeoutMs: 2000})
	c.baseURL = srv.URL
	return c
}

func TestServerTime(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/time", r.URL.Path)
		w.Write([]byte(`{"serverTime": 1700000000000}`))
	})

	ts, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ts)
}

func TestLoadMarketsParsesFilters(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Write([]byte(exchangeInfoBody))
	})

	markets, err := c.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)

	btc, ok := markets["BTC/USDT:USDT"]
	require.True(t, ok, "perpetual symbols unify as BASE/QUOTE:SETTLE")
	assert.Equal(t, model.MarketSwap, btc.Type)
	assert.True(t, btc.Active)
	assert.Equal(t, model.PrecisionStep, btc.Precision.Price.Mode)
	assert.True(t, decimal.RequireFromString("0.10").Equal(btc.Precision.Price.Step))
	assert.True(t, decimal.RequireFromString("0.001").Equal(btc.Precision.Amount.Step))
	assert.True(t, decimal.RequireFromString("0.001").Equal(btc.Precision.MinAmount))
	assert.True(t, decimal.RequireFromString("100").Equal(btc.Precision.MinCost))

	eth, ok := markets["ETH/USDT:USDT"]
	require.True(t, ok)
	assert.Equal(t, model.MarketFuture, eth.Type, "dated contracts map to future")

	// The native table built during LoadMarkets drives symbol translation.
	assert.Equal(t, "BTCUSDT", c.nativeSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "ETHUSDT_260327", c.nativeSymbol("ETH/USDT:USDT"))
	assert.Equal(t, "BTC/USDT:USDT", c.unifiedSymbol("BTCUSDT"))
}

func TestNativeSymbolConventionFallback(t *testing.T) {
	c := NewClient(config.ExchangeConfig{})

	assert.Equal(t, "BTCUSDT", c.nativeSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "BTCUSDT", c.nativeSymbol("BTC/USDT"))
	assert.Equal(t, "SOLUSDT", c.nativeSymbol("SOL/USDT"))
}

func TestFetchBalance(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		w.Write([]byte(`[
			{"asset": "USDT", "balance": "1000.5", "availableBalance": "800.5"},
			{"asset": "BNB", "balance": "0", "availableBalance": "0"}
		]`))
	})

	balances, err := c.FetchBalance(context.Background())
	require.NoError(t, err)

	usdt := balances["USDT"]
	assert.True(t, decimal.RequireFromString("800.5").Equal(usdt.Free))
	assert.True(t, decimal.RequireFromString("200").Equal(usdt.Used))
	assert.True(t, decimal.RequireFromString("1000.5").Equal(usdt.Total))
}

func TestSignedRequestShape(t *testing.T) {
	var captured *http.Request
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.Write([]byte(`[]`))
	})

	_, err := c.FetchBalance(context.Background())
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Equal(t, "test-key", captured.Header.Get("X-MBX-APIKEY"))

	rawQuery := captured.URL.RawQuery
	idx := strings.Index(rawQuery, "&signature=")
	require.True(t, idx > 0, "signature must trail the query: %s", rawQuery)
	payload, sig := rawQuery[:idx], rawQuery[idx+len("&signature="):]
	assert.Equal(t, sign("test-secret", payload), sig)

	params, err := url.ParseQuery(payload)
	require.NoError(t, err)
	assert.Equal(t, "5000", params.Get("recvWindow"))
	assert.NotEmpty(t, params.Get("timestamp"))
}

func TestCreateOrderParams(t *testing.T) {
	var query url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fapi/v1/order", r.URL.Path)
		query = r.URL.Query()
		w.Write([]byte(`{
			"orderId": 987654,
			"clientOrderId": "pg-abc",
			"symbol": "BTCUSDT",
			"side": "BUY",
			"type": "LIMIT",
			"status": "NEW",
			"price": "27450.1",
			"origQty": "0.005",
			"executedQty": "0",
			"cumQuote": "0",
			"updateTime": 1700000000000
		}`))
	})

	order, err := c.CreateOrder(context.Background(), connector.OrderRequest{
		Symbol:        "BTC/USDT:USDT",
		Side:          model.SideBuy,
		Type:          model.OrderLimit,
		Amount:        decimal.RequireFromString("0.005"),
		Price:         decimal.RequireFromString("27450.1"),
		ClientOrderID: "pg-abc",
		Params:        map[string]any{"reduceOnly": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", query.Get("symbol"))
	assert.Equal(t, "BUY", query.Get("side"))
	assert.Equal(t, "LIMIT", query.Get("type"))
	assert.Equal(t, "0.005", query.Get("quantity"))
	assert.Equal(t, "27450.1", query.Get("price"))
	assert.Equal(t, "GTC", query.Get("timeInForce"))
	assert.Equal(t, "pg-abc", query.Get("newClientOrderId"))
	assert.Equal(t, "true", query.Get("reduceOnly"))

	assert.Equal(t, "987654", order.ID)
	assert.Equal(t, "BTC/USDT:USDT", order.Symbol)
	assert.Equal(t, model.StatusOpen, order.Status)
	assert.True(t, decimal.RequireFromString("0.005").Equal(order.Remaining))
}

func TestMarketOrderOmitsPrice(t *testing.T) {
	var query url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"orderId": 1, "status": "NEW"}`))
	})

	_, err := c.CreateOrder(context.Background(), connector.OrderRequest{
		Symbol: "BTC/USDT:USDT",
		Side:   model.SideSell,
		Type:   model.OrderMarket,
		Amount: decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)

	assert.Equal(t, "MARKET", query.Get("type"))
	assert.Empty(t, query.Get("price"))
	assert.Empty(t, query.Get("timeInForce"))
}

func TestStopOrderSendsTrigger(t *testing.T) {
	var query url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"orderId": 2, "status": "NEW"}`))
	})

	_, err := c.CreateOrder(context.Background(), connector.OrderRequest{
		Symbol:       "BTC/USDT:USDT",
		Side:         model.SideSell,
		Type:         model.OrderStopLimit,
		Amount:       decimal.RequireFromString("0.005"),
		Price:        decimal.RequireFromString("26950"),
		TriggerPrice: decimal.RequireFromString("26999.9"),
	})
	require.NoError(t, err)

	assert.Equal(t, "STOP", query.Get("type"))
	assert.Equal(t, "26950", query.Get("price"))
	assert.Equal(t, "26999.9", query.Get("stopPrice"))
}

func TestStopMarketOrderSendsTriggerOnly(t *testing.T) {
	var query url.Values
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"orderId": 3, "status": "NEW"}`))
	})

	_, err := c.CreateOrder(context.Background(), connector.OrderRequest{
		Symbol:       "BTC/USDT:USDT",
		Side:         model.SideSell,
		Type:         model.OrderStopMarket,
		Amount:       decimal.RequireFromString("0.005"),
		TriggerPrice: decimal.RequireFromString("25000"),
	})
	require.NoError(t, err)

	assert.Equal(t, "STOP_MARKET", query.Get("type"))
	assert.Equal(t, "25000", query.Get("stopPrice"))
	assert.Empty(t, query.Get("price"))
}

func TestAPIErrorSurfacesCodeAndBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": -2019, "msg": "Margin is insufficient."}`))
	})

	_, err := c.FetchBalance(context.Background())
	require.Error(t, err)

	var apiErr connector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Equal(t, -2019, apiErr.Code)
	assert.Equal(t, "Margin is insufficient.", apiErr.Msg)
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream connect error"))
	})

	_, err := c.ServerTime(context.Background())
	require.Error(t, err)

	var apiErr connector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.HTTPStatus)
	assert.Equal(t, "upstream connect error", apiErr.Msg)
}

func TestOrderStatusMapping(t *testing.T) {
	tests := map[string]model.OrderStatus{
		"NEW":              model.StatusOpen,
		"PARTIALLY_FILLED": model.StatusOpen,
		"FILLED":           model.StatusClosed,
		"CANCELED":         model.StatusCanceled,
		"REJECTED":         model.StatusRejected,
		"EXPIRED":          model.StatusExpired,
		"EXPIRED_IN_MATCH": model.StatusExpired,
	}
	for native, want := range tests {
		assert.Equal(t, want, orderStatusFromExchange(native), native)
	}
}

func TestSandboxUsesTestnet(t *testing.T) {
	c := NewClient(config.ExchangeConfig{Sandbox: true})
	assert.Equal(t, testnetBaseURL, c.baseURL)

	c = NewClient(config.ExchangeConfig{})
	assert.Equal(t, mainnetBaseURL, c.baseURL)
}
