package gateway

import (
	"context"
	"fmt"
	"regexp"

	"github.com/perpgate/perpgate/internal/connector"
)

// PreflightState tracks how far the connect-time verification got.
type PreflightState string

const (
	PreflightNotStarted     PreflightState = "NOT_STARTED"
	PreflightNetworkChecked PreflightState = "NETWORK_CHECKED"
	PreflightAuthChecked    PreflightState = "AUTH_CHECKED"
	PreflightPassed         PreflightState = "PASSED"
	PreflightFailed         PreflightState = "FAILED"
)

// Diagnosis explains a preflight failure in operator terms. For an IP
// whitelist rejection OffendingIP carries the address the exchange reported,
// when it could be extracted from the error text.
type Diagnosis struct {
	State       PreflightState
	Kind        Kind
	OffendingIP string
	Cause       error
}

func (d *Diagnosis) Error() string {
	switch d.Kind {
	case KindPermission:
		if d.OffendingIP != "" {
			return fmt.Sprintf("preflight failed at %s: IP %s is not whitelisted on the exchange", d.State, d.OffendingIP)
		}
		return fmt.Sprintf("preflight failed at %s: permission denied (check IP whitelist and key permissions)", d.State)
	case KindAuthentication:
		return fmt.Sprintf("preflight failed at %s: invalid or expired API credentials", d.State)
	case KindNetwork, KindTimeout:
		return fmt.Sprintf("preflight failed at %s: exchange unreachable (%v)", d.State, d.Cause)
	}
	return fmt.Sprintf("preflight failed at %s: %v", d.State, d.Cause)
}

func (d *Diagnosis) Unwrap() error { return d.Cause }

var ipPattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}\b`)

// preflight runs the one-shot connectivity and credential check: a public
// server-time call first, then, only when credentials are configured, an
// authenticated balance fetch to confirm key validity and IP whitelisting.
type preflight struct {
	conn     connector.Connector
	exchange string
	hasCreds bool
}

// Run returns the terminal state and, on failure, a Diagnosis (which is also
// the returned error).
func (p *preflight) Run(ctx context.Context) (PreflightState, error) {
	state := PreflightNotStarted

	if _, err := p.conn.ServerTime(ctx); err != nil {
		ne := Normalize(p.exchange, err)
		return PreflightFailed, &Diagnosis{State: state, Kind: ne.Kind, Cause: err}
	}
	state = PreflightNetworkChecked

	if !p.hasCreds {
		return PreflightPassed, nil
	}

	if _, err := p.conn.FetchBalance(ctx); err != nil {
		ne := Normalize(p.exchange, err)
		diag := &Diagnosis{State: state, Kind: ne.Kind, Cause: err}
		if ne.Kind == KindPermission {
			diag.OffendingIP = ipPattern.FindString(err.Error())
		}
		return PreflightFailed, diag
	}
	state = PreflightAuthChecked

	return PreflightPassed, nil
}
