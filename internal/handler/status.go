// Package handler exposes a thin read-only ops surface over the gateway:
// health, balances, positions, precision lookups and a websocket event
// stream. Trading decisions stay with the strategy collaborators; nothing
// here mutates exchange state.
package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/perpgate/perpgate/internal/gateway"
	"github.com/perpgate/perpgate/internal/pkg/logger"
)

type StatusHandler struct {
	gw  *gateway.Gateway
	hub *EventHub
}

func NewStatusHandler(gw *gateway.Gateway) *StatusHandler {
	h := &StatusHandler{gw: gw, hub: NewEventHub()}
	gw.Subscribe(h.hub.Publish)
	return h
}

func (h *StatusHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	{
		v1.GET("/balance", h.Balance)
		v1.GET("/positions", h.Positions)
		v1.GET("/ticker/:symbol", h.Ticker)
		v1.GET("/precision/:symbol", h.Precision)
		v1.GET("/funding/:symbol", h.FundingRate)
		v1.GET("/events", h.Events)
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "exchange": h.gw.Name()})
}

func (h *StatusHandler) Balance(c *gin.Context) {
	balances, err := h.gw.FetchBalance(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, balances)
}

func (h *StatusHandler) Positions(c *gin.Context) {
	var symbols []string
	if raw := c.Query("symbols"); raw != "" {
		symbols = strings.Split(raw, ",")
	}
	positions, err := h.gw.FetchPositions(c.Request.Context(), symbols)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (h *StatusHandler) Ticker(c *gin.Context) {
	ticker, err := h.gw.FetchTicker(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticker)
}

func (h *StatusHandler) FundingRate(c *gin.Context) {
	rate, err := h.gw.FetchFundingRate(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}

func (h *StatusHandler) Precision(c *gin.Context) {
	symbol := c.Param("symbol")
	info, ok := h.gw.GetPrecision(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    h.gw.ResolveSymbol(symbol),
		"precision": info,
	})
}

// Events upgrades to a websocket and streams gateway events until the peer
// goes away.
func (h *StatusHandler) Events(c *gin.Context) {
	h.hub.Serve(c.Writer, c.Request)
}

func (h *StatusHandler) renderError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	body := gin.H{"error": err.Error()}
	if ne := gateway.Normalize(h.gw.Name(), err); ne != nil {
		body["kind"] = string(ne.Kind)
		body["retryable"] = ne.Retryable
		switch ne.Kind {
		case gateway.KindAuthentication:
			status = http.StatusUnauthorized
		case gateway.KindPermission:
			status = http.StatusForbidden
		case gateway.KindInvalidOrder, gateway.KindInsufficient:
			status = http.StatusBadRequest
		case gateway.KindOrderNotFound:
			status = http.StatusNotFound
		case gateway.KindRateLimit:
			status = http.StatusTooManyRequests
		}
	}
	logger.Error("ops request failed", "path", c.FullPath(), "error", err.Error())
	c.JSON(status, body)
}
