package exchange

import (
	"testing"

	"github.com/perpgate/perpgate/internal/config"
	"github.com/perpgate/perpgate/internal/connector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubCapability(name string) Capability {
	return Capability{
		Name: name,
		NewConnector: func(config.ExchangeConfig) (connector.Connector, error) {
			return nil, nil
		},
		Supported: map[connector.Op]bool{connector.OpFetchTicker: true},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	Register(stubCapability("testvenue"))

	cap, err := Lookup("testvenue")
	require.NoError(t, err)
	assert.Equal(t, "testvenue", cap.Name)
	assert.True(t, cap.Supported[connector.OpFetchTicker])

	assert.Contains(t, Names(), "testvenue")
}

func TestLookupUnknownNamesRegistered(t *testing.T) {
	Register(stubCapability("anothervenue"))

	_, err := Lookup("nosuchvenue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nosuchvenue")
	assert.Contains(t, err.Error(), "anothervenue", "the error lists what is registered")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	Register(stubCapability("dupvenue"))

	assert.Panics(t, func() { Register(stubCapability("dupvenue")) })
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	assert.Panics(t, func() { Register(Capability{Name: "noctor"}) })
	assert.Panics(t, func() {
		Register(Capability{NewConnector: stubCapability("x").NewConnector})
	})
}
