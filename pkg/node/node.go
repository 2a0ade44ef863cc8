// Package node composes the discovery mechanisms, the session manager, and
// the HTTP server into one runnable peer.
package node

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/peerdrop/peerdrop/pkg/client"
	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/discovery"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/server"
	"github.com/peerdrop/peerdrop/pkg/server/handlers"
	"github.com/peerdrop/peerdrop/pkg/session"
	"github.com/peerdrop/peerdrop/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Callbacks are the host-supplied observers. All fields are optional; a
// nil OnTransferRequest accepts every transfer.
type Callbacks struct {
	OnTransferRequest  session.TransferRequestHandler
	OnTransferProgress handlers.ProgressFunc
	OnPeer             func(*model.Device)
}

// Node is one peerdrop instance: simultaneously a sender and a receiver.
type Node struct {
	cfg       *config.Config
	registry  *discovery.Registry
	sessions  *session.Manager
	client    *client.Client
	server    *server.Server
	multicast *discovery.Multicast
	scanner   *discovery.Scanner

	started bool
}

// New wires a node from its configuration and host callbacks.
func New(cfg *config.Config, cb Callbacks) *Node {
	registry := discovery.NewRegistry()
	sessions := session.NewManager(cfg.SessionTTL)
	if cb.OnTransferRequest != nil {
		sessions.SetTransferRequestHandler(cb.OnTransferRequest)
	}

	cl := client.New(cfg.ToRegisterDto(), cfg.InsecureTLS)

	register := func(ctx context.Context, ip string, port int, protocol model.ProtocolType) error {
		_, err := cl.Register(ctx, client.Target{IP: ip, Port: port, Protocol: protocol})
		return err
	}
	probe := func(ctx context.Context, ip net.IP) *model.Device {
		return cl.Info(ctx, client.Target{IP: ip.String(), Port: cfg.Port, Protocol: cfg.Protocol})
	}

	return &Node{
		cfg:       cfg,
		registry:  registry,
		sessions:  sessions,
		client:    cl,
		server:    server.New(cfg, registry, sessions, cb.OnTransferProgress),
		multicast: discovery.NewMulticast(cfg, registry, register, cb.OnPeer),
		scanner:   discovery.NewScanner(cfg, registry, probe, cb.OnPeer),
	}
}

// Start brings up the server, both discoverers, and the session reaper,
// then announces presence on the multicast group.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return fmt.Errorf("node already started")
	}

	if err := storage.EnsureDirExists(n.cfg.SaveDir); err != nil {
		return err
	}

	n.sessions.StartReaper(ctx)

	if err := n.server.Start(ctx); err != nil {
		n.sessions.StopReaper()
		return err
	}

	if err := n.multicast.Start(ctx); err != nil {
		logrus.Warnf("Multicast discovery unavailable (%v); relying on HTTP scan", err)
	}
	if err := n.scanner.Start(ctx); err != nil {
		logrus.Warnf("HTTP scanner failed to start: %v", err)
	}

	n.multicast.AnnouncePresence()
	n.started = true
	logrus.Infof("Node %q up on port %d (%s)", n.cfg.Alias, n.cfg.Port, n.cfg.Protocol)
	return nil
}

// Stop tears the node down: discovery first, then the listener, then every
// active session.
func (n *Node) Stop() {
	n.multicast.Stop()
	n.scanner.Stop()
	if err := n.server.Stop(); err != nil {
		logrus.Warnf("Server stop: %v", err)
	}
	n.sessions.StopReaper()
	n.sessions.CancelAll()
	n.started = false
}

// AnnouncePresence triggers the multicast solicitation burst.
func (n *Node) AnnouncePresence() {
	n.multicast.AnnouncePresence()
}

// ScanNow triggers an immediate subnet scan (single-flight with any scan
// already running).
func (n *Node) ScanNow(ctx context.Context) {
	n.scanner.Scan(ctx)
}

// Peers lists the known peers.
func (n *Node) Peers() []*model.Device {
	return n.registry.List()
}

// FindPeer waits until a peer with the given alias appears in the
// registry, or the context expires.
func (n *Node) FindPeer(ctx context.Context, alias string) (*model.Device, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, d := range n.registry.List() {
			if d.Alias == alias {
				return d, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("peer %q not found: %w", alias, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SendFile transfers one local file to target: prepare-upload negotiation
// followed by a (possibly chunked) upload. progress may be nil.
func (n *Node) SendFile(ctx context.Context, target client.Target, path, pin string, progress client.ProgressFunc) error {
	file, err := model.NewFile(path)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}
	dto := file.ToFileDto()

	prepared, err := n.client.PrepareUpload(ctx, target, map[string]model.FileDto{dto.ID: dto}, pin)
	if err != nil {
		return fmt.Errorf("prepare-upload failed: %w", err)
	}
	token, ok := prepared.Tokens[dto.ID]
	if !ok {
		// Accepted with nothing to upload.
		return nil
	}

	if err := n.client.UploadFile(ctx, target, prepared.SessionID, dto.ID, token, path, progress); err != nil {
		if cancelErr := n.client.CancelSession(ctx, target, prepared.SessionID); cancelErr != nil {
			logrus.Debugf("Cancel after failed upload: %v", cancelErr)
		}
		return err
	}
	return nil
}

// Client exposes the peer-facing HTTP client.
func (n *Node) Client() *client.Client {
	return n.client
}

// Sessions exposes the session manager, mainly for tests and the CLI.
func (n *Node) Sessions() *session.Manager {
	return n.sessions
}
