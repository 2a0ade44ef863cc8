package discovery

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/metrics"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/network"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ProbeFunc checks a single host for a running node. It returns nil when
// the host does not answer; absence is the normal case.
type ProbeFunc func(ctx context.Context, ip net.IP) *model.Device

// Scanner is the HTTP fallback discoverer: it probes every host in each
// local /24 with bounded concurrency, on an interval and once at start.
type Scanner struct {
	cfg      *config.Config
	registry *Registry
	probe    ProbeFunc
	onPeer   func(*model.Device)

	scanning atomic.Bool // single-flight
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScanner creates a subnet scanner. onPeer may be nil.
func NewScanner(cfg *config.Config, registry *Registry, probe ProbeFunc, onPeer func(*model.Device)) *Scanner {
	return &Scanner{
		cfg:      cfg,
		registry: registry,
		probe:    probe,
		onPeer:   onPeer,
	}
}

// Start runs an immediate scan and then rescans every ScanInterval until
// the context is cancelled or Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.Scan(runCtx)

		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Scan(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels any scan in flight and waits for the loop to exit.
func (s *Scanner) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Scan probes every candidate host once. A scan already in flight makes
// this call a no-op.
func (s *Scanner) Scan(ctx context.Context) {
	if !s.scanning.CompareAndSwap(false, true) {
		logrus.Debugf("Scan trigger ignored: scan already in flight")
		return
	}
	defer s.scanning.Store(false)

	locals, err := network.GetLocalIPAddresses()
	if err != nil {
		logrus.Debugf("Scanner: no local addresses: %v", err)
		return
	}

	sem := semaphore.NewWeighted(s.cfg.ScanConcurrency)
	var wg sync.WaitGroup

	seen := make(map[string]bool)
	for _, local := range locals {
		for _, candidate := range network.SubnetCandidates(local) {
			key := candidate.String()
			if seen[key] {
				continue
			}
			seen[key] = true

			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(ip net.IP) {
				defer wg.Done()
				defer sem.Release(1)
				s.probeHost(ctx, ip)
			}(candidate)
		}
	}
	wg.Wait()
	logrus.Debugf("Scanner: pass over %d candidate host(s) complete", len(seen))
}

func (s *Scanner) probeHost(ctx context.Context, ip net.IP) {
	peer := s.probe(ctx, ip)
	if peer == nil {
		return
	}
	if peer.Fingerprint == s.cfg.Fingerprint {
		return
	}

	logrus.Infof("Discovered peer via scan: %s (%.8s...) at %s:%d", peer.Alias, peer.Fingerprint, peer.IP, peer.Port)
	metrics.PeersDiscovered.WithLabelValues("scan").Inc()

	s.registry.Insert(peer)
	if s.onPeer != nil {
		s.onPeer(peer)
	}
}
