package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scannerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New(config.Options{Alias: "scanner-test"})
	require.NoError(t, err)
	return cfg
}

func TestScanner_ProbeHitInsertsPeer(t *testing.T) {
	cfg := scannerConfig(t)
	registry := NewRegistry()

	var observed *model.Device
	probe := func(ctx context.Context, ip net.IP) *model.Device {
		return device("cccc", ip.String())
	}
	s := NewScanner(cfg, registry, probe, func(d *model.Device) { observed = d })

	s.probeHost(context.Background(), net.ParseIP("192.168.1.77"))

	require.NotNil(t, registry.Get("cccc"))
	assert.Equal(t, "192.168.1.77", registry.Get("cccc").IP)
	require.NotNil(t, observed)
	assert.Equal(t, "cccc", observed.Fingerprint)
}

func TestScanner_ProbeMissIsSilent(t *testing.T) {
	cfg := scannerConfig(t)
	registry := NewRegistry()
	s := NewScanner(cfg, registry, func(context.Context, net.IP) *model.Device { return nil }, nil)

	s.probeHost(context.Background(), net.ParseIP("192.168.1.78"))
	assert.Equal(t, 0, registry.Len())
}

func TestScanner_DropsSelf(t *testing.T) {
	cfg := scannerConfig(t)
	registry := NewRegistry()
	probe := func(ctx context.Context, ip net.IP) *model.Device {
		return device(cfg.Fingerprint, ip.String())
	}
	s := NewScanner(cfg, registry, probe, nil)

	s.probeHost(context.Background(), net.ParseIP("192.168.1.79"))
	assert.Equal(t, 0, registry.Len(), "a scan result with our own fingerprint must be dropped")
}

func TestScanner_SingleFlight(t *testing.T) {
	cfg := scannerConfig(t)
	registry := NewRegistry()

	var probes atomic.Int64
	probe := func(ctx context.Context, ip net.IP) *model.Device {
		probes.Add(1)
		return nil
	}
	s := NewScanner(cfg, registry, probe, nil)

	// Mark a scan as in flight: the trigger must be ignored without probing.
	s.scanning.Store(true)
	s.Scan(context.Background())
	assert.Equal(t, int64(0), probes.Load())
}

func TestDiscovererFactory(t *testing.T) {
	cfg := scannerConfig(t)
	opts := Options{
		Config:   cfg,
		Registry: NewRegistry(),
		Probe:    func(context.Context, net.IP) *model.Device { return nil },
	}

	d, err := New(MechanismMulticast, opts)
	require.NoError(t, err)
	assert.IsType(t, &Multicast{}, d)

	d, err = New(MechanismScan, opts)
	require.NoError(t, err)
	assert.IsType(t, &Scanner{}, d)

	_, err = New(MechanismScan, Options{Config: cfg, Registry: NewRegistry()})
	assert.Error(t, err)

	_, err = New("bogus", opts)
	assert.Error(t, err)
}
