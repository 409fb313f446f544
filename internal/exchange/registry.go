// Package exchange keeps the name-keyed registry of exchange capabilities.
// Adapters register themselves from init, driver-style, so wiring a new venue
// means one blank import plus a Capability record — no subclassing.
package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/connector"
)

// Capability describes one exchange integration: how to build its connector
// and which operations the venue supports.
type Capability struct {
	Name         string
	NewConnector func(cfg config.ExchangeConfig) (connector.Connector, error)
	Supported    map[connector.Op]bool
}

var (
	mu       sync.RWMutex
	registry = map[string]Capability{}
)

func Register(cap Capability) {
	mu.Lock()
	defer mu.Unlock()
	if cap.Name == "" || cap.NewConnector == nil {
		panic("exchange: Register called with incomplete capability")
	}
	if _, dup := registry[cap.Name]; dup {
		panic("exchange: Register called twice for " + cap.Name)
	}
	registry[cap.Name] = cap
}

func Lookup(name string) (Capability, error) {
	mu.RLock()
	defer mu.RUnlock()
	cap, ok := registry[name]
	if !ok {
		return Capability{}, fmt.Errorf("unknown exchange %q (registered: %v)", name, names())
	}
	return cap, nil
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
