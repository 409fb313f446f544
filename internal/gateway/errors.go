package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/perpgate/perpgate/internal/connector"
)

// Kind is the fixed failure taxonomy every connector error is folded into.
type Kind string

const (
	KindAuthentication  Kind = "AUTHENTICATION_ERROR"
	KindPermission      Kind = "PERMISSION_DENIED"
	KindInsufficient    Kind = "INSUFFICIENT_FUNDS"
	KindInvalidOrder    Kind = "INVALID_ORDER"
	KindOrderNotFound   Kind = "ORDER_NOT_FOUND"
	KindNetwork         Kind = "NETWORK_ERROR"
	KindTimeout         Kind = "REQUEST_TIMEOUT"
	KindRateLimit       Kind = "RATE_LIMIT_EXCEEDED"
	KindNotAvailable    Kind = "EXCHANGE_NOT_AVAILABLE"
	KindDDoSProtection  Kind = "DDOS_PROTECTION"
	KindExchange        Kind = "EXCHANGE_ERROR"
	KindUnknown         Kind = "UNKNOWN_ERROR"
)

// Retryable reports whether the kind is transient. Unrecognized failures are
// non-retryable: retrying an error we cannot classify risks duplicate orders.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindNotAvailable, KindDDoSProtection, KindRateLimit:
		return true
	}
	return false
}

// NormalizedError is the single error shape the gateway surfaces. The original
// cause is preserved for diagnostics and reachable through errors.Unwrap.
type NormalizedError struct {
	Message    string    `json:"message"`
	Kind       Kind      `json:"kind"`
	Code       int       `json:"code,omitempty"`
	Exchange   string    `json:"exchange"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Timestamp  time.Time `json:"timestamp"`
	Cause      error     `json:"-"`
}

func (e *NormalizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Exchange, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Exchange, e.Kind, e.Message)
}

func (e *NormalizedError) Unwrap() error { return e.Cause }

// IsKind reports whether err normalizes to the given kind.
func IsKind(err error, kind Kind) bool {
	var ne *NormalizedError
	return errors.As(err, &ne) && ne.Kind == kind
}

// Normalize classifies any connector failure into a NormalizedError. Already
// normalized errors pass through unchanged so classification is idempotent.
func Normalize(exchange string, err error) *NormalizedError {
	if err == nil {
		return nil
	}
	var ne *NormalizedError
	if errors.As(err, &ne) {
		return ne
	}

	kind, code, status := classify(err)
	return &NormalizedError{
		Message:    err.Error(),
		Kind:       kind,
		Code:       code,
		Exchange:   exchange,
		HTTPStatus: status,
		Retryable:  kind.Retryable(),
		Timestamp:  time.Now().UTC(),
		Cause:      err,
	}
}

func classify(err error) (Kind, int, int) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0, 0
	}

	var apiErr connector.APIError
	if errors.As(err, &apiErr) {
		return classifyAPI(apiErr), apiErr.Code, apiErr.HTTPStatus
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, 0, 0
		}
		return KindNetwork, 0, 0
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork, 0, 0
	}

	return classifyMessage(err.Error()), 0, 0
}

func classifyAPI(apiErr connector.APIError) Kind {
	switch apiErr.HTTPStatus {
	case 401:
		return KindAuthentication
	case 403:
		// Cloudflare style DDoS pages come back 403 with a telltale body.
		if containsAny(apiErr.Msg, "ddos", "cloudflare", "access denied by security") {
			return KindDDoSProtection
		}
		return KindPermission
	case 408:
		return KindTimeout
	case 418, 429:
		return KindRateLimit
	case 502, 503, 504:
		return KindNotAvailable
	}
	if kind := classifyMessage(apiErr.Msg); kind != KindUnknown {
		return kind
	}
	if apiErr.HTTPStatus >= 400 {
		return KindExchange
	}
	return KindUnknown
}

func classifyMessage(msg string) Kind {
	switch {
	case containsAny(msg, "insufficient balance", "insufficient funds", "insufficient margin", "margin is insufficient"):
		return KindInsufficient
	case containsAny(msg, "order does not exist", "unknown order", "order not found"):
		return KindOrderNotFound
	case containsAny(msg, "rate limit", "too many requests", "request weight"):
		return KindRateLimit
	case containsAny(msg, "ddos"):
		return KindDDoSProtection
	case containsAny(msg, "system maintenance", "service unavailable", "exchange not available", "system busy"):
		return KindNotAvailable
	// Whitelist rejections mention the API key too, so check them first.
	case containsAny(msg, "ip banned", "not whitelisted", "unauthorized ip", "request ip is not in the whitelist"):
		return KindPermission
	case containsAny(msg, "invalid api-key", "api-key format invalid", "signature for this request is not valid", "invalid signature", "api key expired"):
		return KindAuthentication
	case containsAny(msg, "min_notional", "lot_size", "price_filter", "percent_price", "invalid order", "order would immediately", "notional must be no smaller", "precision is over"):
		return KindInvalidOrder
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "broken pipe", "eof"):
		return KindNetwork
	}
	return KindUnknown
}

func containsAny(msg string, needles ...string) bool {
	lower := strings.ToLower(msg)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
