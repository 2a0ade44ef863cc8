package discovery

import (
	"context"
	"fmt"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/model"
)

// Discoverer is one discovery mechanism feeding the peer registry.
type Discoverer interface {
	Start(ctx context.Context) error
	Stop()
}

// Mechanism selects a Discoverer implementation.
type Mechanism string

const (
	MechanismMulticast Mechanism = "multicast"
	MechanismScan      Mechanism = "scan"
)

// Options carries the collaborators a discoverer needs. Register is used
// only by the multicast mechanism, Probe only by the scanner.
type Options struct {
	Config   *config.Config
	Registry *Registry
	Register RegisterFunc
	Probe    ProbeFunc
	OnPeer   func(*model.Device)
}

// New is the discoverer factory.
func New(mechanism Mechanism, opts Options) (Discoverer, error) {
	switch mechanism {
	case MechanismMulticast:
		return NewMulticast(opts.Config, opts.Registry, opts.Register, opts.OnPeer), nil
	case MechanismScan:
		if opts.Probe == nil {
			return nil, fmt.Errorf("scan mechanism requires a probe function")
		}
		return NewScanner(opts.Config, opts.Registry, opts.Probe, opts.OnPeer), nil
	default:
		return nil, fmt.Errorf("unknown discovery mechanism %q", mechanism)
	}
}
