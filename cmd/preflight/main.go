// Command preflight runs the one-shot connectivity and credential check
// against the configured exchange and prints a diagnosis. Useful when
// rotating keys or moving a deployment to a new egress IP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/gateway"
	"github.com/perpgate/perpgate/internal/pkg/logger"

	_ "github.com/perpgate/perpgate/internal/exchange/binance"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, "text")

	// Diagnosis talks to the exchange directly; the shared balance cache and
	// its role contract do not apply to a one-shot check.
	cfg.SharedBalance.Enabled = false

	gw, err := gateway.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build gateway: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = gw.Connect(ctx, &gateway.ConnectOptions{LoadMarkets: false})
	if err == nil {
		fmt.Printf("OK: %s reachable, credentials accepted\n", gw.Name())
		return
	}

	var diag *gateway.Diagnosis
	if errors.As(err, &diag) {
		fmt.Printf("FAILED at %s: kind=%s\n", diag.State, diag.Kind)
		if diag.OffendingIP != "" {
			fmt.Printf("  whitelist this IP on the exchange: %s\n", diag.OffendingIP)
		}
		fmt.Printf("  cause: %v\n", diag.Cause)
	} else {
		fmt.Printf("FAILED: %v\n", err)
	}
	os.Exit(1)
}
