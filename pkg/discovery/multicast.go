package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/metrics"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/network"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// RegisterFunc issues the HTTP register call used to answer a solicitation.
// Returning an error makes the discoverer fall back to a UDP response.
type RegisterFunc func(ctx context.Context, ip string, port int, protocol model.ProtocolType) error

// announceOffsets is the burst schedule for AnnouncePresence. Repeating the
// datagram mitigates single-packet loss on the multicast group.
var announceOffsets = []time.Duration{
	100 * time.Millisecond,
	500 * time.Millisecond,
	2000 * time.Millisecond,
}

const registerTimeout = 2 * time.Second

// Multicast is the UDP multicast discoverer. It binds the group port with
// SO_REUSEADDR, joins the group on every non-loopback IPv4 interface, and
// replies to solicitations with an HTTP register (UDP response on failure).
type Multicast struct {
	cfg      *config.Config
	registry *Registry
	register RegisterFunc
	onPeer   func(*model.Device)

	interval time.Duration // periodic re-announce; 0 disables

	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr
	ifaces    []network.MulticastInterface

	// sendMu serialises all writes: SetMulticastInterface is socket state.
	sendMu sync.Mutex

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMulticast creates a multicast discoverer. register and onPeer may be
// nil.
func NewMulticast(cfg *config.Config, registry *Registry, register RegisterFunc, onPeer func(*model.Device)) *Multicast {
	return &Multicast{
		cfg:      cfg,
		registry: registry,
		register: register,
		onPeer:   onPeer,
		interval: 30 * time.Second,
	}
}

// Start binds the socket, joins the group on every eligible interface, and
// starts the receive loop. Per-interface join failures are logged and
// skipped; the node continues with partial coverage.
func (m *Multicast) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return fmt.Errorf("multicast discoverer already started")
	}

	group := net.ParseIP(m.cfg.MulticastGroup)
	if group == nil {
		return fmt.Errorf("invalid multicast group %q", m.cfg.MulticastGroup)
	}
	m.groupAddr = &net.UDPAddr{IP: group, Port: m.cfg.Port}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", m.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind multicast socket: %w", err)
	}
	m.conn = conn
	m.pconn = ipv4.NewPacketConn(conn)

	ifaces, err := network.GetMulticastInterfaces()
	if err != nil {
		logrus.Warnf("Interface enumeration failed (%v), joining on default interface", err)
		ifaces = nil
	}

	joined := 0
	for _, mi := range ifaces {
		iface := mi.Interface
		if err := m.pconn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			logrus.Warnf("Failed to join %s on %s: %v", group, iface.Name, err)
			continue
		}
		logrus.Debugf("Joined multicast group %s on %s (%s)", group, iface.Name, mi.IP)
		m.ifaces = append(m.ifaces, mi)
		joined++
	}
	if joined == 0 {
		// Default-interface join: the kernel picks the route.
		if err := m.pconn.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			conn.Close()
			m.conn = nil
			return fmt.Errorf("failed to join multicast group %s: %w", group, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.recvLoop(runCtx)

	if m.interval > 0 {
		m.wg.Add(1)
		go m.announceLoop(runCtx)
	}

	logrus.Infof("Multicast discovery listening on %s:%d (%d interface(s))", group, m.cfg.Port, len(m.ifaces))
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (m *Multicast) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
}

// AnnouncePresence sends the solicitation burst on every joined interface.
func (m *Multicast) AnnouncePresence() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		for _, offset := range announceOffsets {
			time.Sleep(offset - time.Since(start))
			if m.isClosed() {
				return
			}
			if err := m.announceOnce(); err != nil {
				logrus.Warnf("Announcement failed: %v", err)
			}
		}
	}()
}

func (m *Multicast) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// announceOnce sends one solicitation datagram per joined interface,
// rotating the outgoing multicast interface.
func (m *Multicast) announceOnce() error {
	if m.pconn == nil {
		return fmt.Errorf("multicast socket not open")
	}

	data, err := EncodeAnnouncement(m.cfg.ToAnnouncementDto(true))
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if len(m.ifaces) == 0 {
		if _, err := m.pconn.WriteTo(data, nil, m.groupAddr); err != nil {
			return fmt.Errorf("failed to send announcement: %w", err)
		}
		return nil
	}

	var lastErr error
	for _, mi := range m.ifaces {
		iface := mi.Interface
		if err := m.pconn.SetMulticastInterface(&iface); err != nil {
			logrus.Debugf("SetMulticastInterface(%s) failed: %v", iface.Name, err)
			lastErr = err
			continue
		}
		if _, err := m.pconn.WriteTo(data, nil, m.groupAddr); err != nil {
			logrus.Debugf("Announcement send on %s failed: %v", iface.Name, err)
			lastErr = err
		}
	}
	return lastErr
}

// announceLoop re-announces periodically while the discoverer runs.
func (m *Multicast) announceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.announceOnce(); err != nil {
				logrus.Debugf("Periodic announcement failed: %v", err)
			}
		}
	}
}

// recvLoop reads datagrams until the socket closes.
func (m *Multicast) recvLoop(ctx context.Context) {
	defer m.wg.Done()
	buf := make([]byte, 2048)

	for {
		n, _, src, err := m.pconn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				return
			}
			logrus.Debugf("Multicast read error: %v", err)
			continue
		}
		m.handleDatagram(ctx, buf[:n], src)
	}
}

// handleDatagram processes one received announcement.
func (m *Multicast) handleDatagram(ctx context.Context, data []byte, src net.Addr) {
	dto, err := DecodeAnnouncement(data)
	if err != nil {
		logrus.Debugf("Dropping malformed datagram from %v: %v", src, err)
		return
	}

	if dto.Fingerprint == m.cfg.Fingerprint {
		logrus.Debugf("Ignoring self-announcement")
		return
	}

	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}

	peer := model.FromAnnouncement(dto, udpAddr.IP)
	logrus.Infof("Discovered peer via multicast: %s (%.8s...) at %s:%d", peer.Alias, peer.Fingerprint, peer.IP, peer.Port)
	metrics.PeersDiscovered.WithLabelValues("multicast").Inc()

	if dto.Announce {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.answerSolicitation(ctx, peer, udpAddr)
		}()
	}

	m.registry.Insert(peer)
	if m.onPeer != nil {
		m.onPeer(peer)
	}
}

// answerSolicitation registers with the soliciting peer over HTTP, falling
// back to a unicast UDP response datagram.
func (m *Multicast) answerSolicitation(ctx context.Context, peer *model.Device, addr *net.UDPAddr) {
	if m.register != nil {
		regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		err := m.register(regCtx, peer.IP, peer.Port, peer.Protocol)
		cancel()
		if err == nil {
			return
		}
		logrus.Debugf("HTTP register with %s failed (%v), falling back to UDP response", peer.IP, err)
	}

	if err := m.respond(addr); err != nil {
		logrus.Debugf("UDP response to %v failed: %v", addr, err)
	}
}

// respond sends a unicast announce=false datagram to addr.
func (m *Multicast) respond(addr *net.UDPAddr) error {
	data, err := EncodeAnnouncement(m.cfg.ToAnnouncementDto(false))
	if err != nil {
		return err
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if _, err := m.pconn.WriteTo(data, nil, addr); err != nil {
		return fmt.Errorf("failed to send discovery response: %w", err)
	}
	return nil
}
