package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
)

func TestPowerSubject(t *testing.T) {
	tests := []struct {
		prefix, meterID, want string
	}{
		{"broute", "house", "broute.meter.house.power"},
		{"site1", "flat.2", "site1.meter.flat_2.power"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PowerSubject(tt.prefix, tt.meterID))
	}

	c := &Client{prefix: "energy"}
	assert.Equal(t, "energy.meter.house.power", c.PowerSubject("house"))
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.NATSConfig{URL: "nats://127.0.0.1:4222"}, nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestConnectRefused(t *testing.T) {
	_, err := Connect(config.NATSConfig{Enabled: true, URL: "nats://127.0.0.1:1"}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish("broute.meter.house.power", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), ErrNotConnected)
}

func TestPublishToServer(t *testing.T) {
	c, err := Connect(config.NATSConfig{Enabled: true, URL: "nats://127.0.0.1:4222"}, nil)
	if errors.Is(err, ErrConnectionFailed) {
		t.Skipf("no NATS server on 127.0.0.1:4222: %v", err)
	}
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Publish(c.PowerSubject("house"), []byte(`{"power_watts":100}`)))
	assert.NoError(t, c.HealthCheck(context.Background()))
}
