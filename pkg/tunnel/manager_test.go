package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshgate/pkg/model"
)

func testEndpoint(id string) model.TunnelEndpoint {
	return model.TunnelEndpoint{
		ID:         id,
		Name:       "Test " + id,
		ServerIP:   "203.0.113.10",
		ServerPort: 1337,
		PublicKey:  "pk-" + id,
		LocalAddr:  "10.10.0.2/32",
	}
}

func testConfig() Config {
	return Config{
		LinkUpTimeout:      2 * time.Second,
		HandshakeStaleness: 3 * time.Minute,
	}
}

func TestInterfaceNameDeterministic(t *testing.T) {
	a := InterfaceName("sg-1")
	b := InterfaceName("sg-1")
	assert.Equal(t, a, b)
	assert.Equal(t, "wgp-sg-1", a)
}

func TestInterfaceNameTruncation(t *testing.T) {
	long1 := InterfaceName("de-frankfurt-streaming-optimized")
	long2 := InterfaceName("de-frankfurt-streaming-premium")
	assert.LessOrEqual(t, len(long1), 15)
	assert.LessOrEqual(t, len(long2), 15)
	assert.NotEqual(t, long1, long2)
	assert.Equal(t, long1, InterfaceName("de-frankfurt-streaming-optimized"))
}

func TestInterfaceNameSanitizes(t *testing.T) {
	assert.Equal(t, "wgp-us-east-1", InterfaceName("US East/1"))
}

func TestEnsureUpAndRelease(t *testing.T) {
	link := NewFakeLink()
	m := NewManager(link, testConfig())

	iface, err := m.EnsureUp(context.Background(), testEndpoint("sg-1"))
	require.NoError(t, err)
	assert.Equal(t, "wgp-sg-1", iface)
	assert.Equal(t, 1, m.Refs("sg-1"))

	require.NoError(t, m.Release("sg-1"))
	assert.Equal(t, 0, m.Refs("sg-1"))
	assert.Equal(t, []string{"wgp-sg-1"}, link.Downs())
}

func TestEnsureUpSharesInterface(t *testing.T) {
	link := NewFakeLink()
	m := NewManager(link, testConfig())
	ep := testEndpoint("sg-1")

	ifaceA, err := m.EnsureUp(context.Background(), ep)
	require.NoError(t, err)
	ifaceB, err := m.EnsureUp(context.Background(), ep)
	require.NoError(t, err)

	assert.Equal(t, ifaceA, ifaceB)
	assert.Equal(t, 2, m.Refs("sg-1"))
	assert.Len(t, link.Ups(), 1)

	require.NoError(t, m.Release("sg-1"))
	assert.Empty(t, link.Downs(), "interface must survive while references remain")
	require.NoError(t, m.Release("sg-1"))
	assert.Equal(t, []string{"wgp-sg-1"}, link.Downs())
}

func TestReleaseUnknownEndpointIsNoop(t *testing.T) {
	m := NewManager(NewFakeLink(), testConfig())
	assert.NoError(t, m.Release("never-seen"))
}

func TestEnsureUpTimeout(t *testing.T) {
	link := NewFakeLink()
	link.StuckDown = true
	cfg := testConfig()
	cfg.LinkUpTimeout = 250 * time.Millisecond
	m := NewManager(link, cfg)

	_, err := m.EnsureUp(context.Background(), testEndpoint("sg-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterfaceTimeout))
	assert.Equal(t, 0, m.Refs("sg-1"))
	assert.Equal(t, []string{"wgp-sg-1"}, link.Downs(), "failed bring-up must be cleaned")
}

func TestEnsureUpCancellation(t *testing.T) {
	link := NewFakeLink()
	link.StuckDown = true
	m := NewManager(link, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := m.EnsureUp(ctx, testEndpoint("sg-1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEnsureUpReestablishesDroppedInterface(t *testing.T) {
	link := NewFakeLink()
	m := NewManager(link, testConfig())
	ep := testEndpoint("sg-1")

	_, err := m.EnsureUp(context.Background(), ep)
	require.NoError(t, err)
	link.Drop("wgp-sg-1")

	_, err = m.EnsureUp(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Refs("sg-1"))
	assert.Len(t, link.Ups(), 2)
}

func TestHealthCheck(t *testing.T) {
	link := NewFakeLink()
	m := NewManager(link, testConfig())
	ep := testEndpoint("sg-1")

	assert.Equal(t, Down, m.HealthCheck("sg-1"))

	iface, err := m.EnsureUp(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, Healthy, m.HealthCheck("sg-1"))

	link.SetHandshake(iface, time.Now().Add(-10*time.Minute))
	assert.Equal(t, Degraded, m.HealthCheck("sg-1"))

	link.Drop(iface)
	assert.Equal(t, Down, m.HealthCheck("sg-1"))
}

func TestRenderConfig(t *testing.T) {
	conf := RenderConfig(testEndpoint("sg-1"), "privkey")
	assert.Contains(t, conf, "Address = 10.10.0.2/32")
	assert.Contains(t, conf, "PrivateKey = privkey")
	assert.Contains(t, conf, "Table = off")
	assert.Contains(t, conf, "Endpoint = 203.0.113.10:1337")
	assert.Contains(t, conf, "AllowedIPs = 0.0.0.0/0")
}
