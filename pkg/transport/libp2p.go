package transport

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"dicemesh/pkg/core"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/utils"
)

const (
	FrameProtocol = "/dicemesh/frame/1.0.0"
)

// LibP2PTransport moves mesh frames over libp2p streams. Each send opens a
// short-lived stream on the frame protocol; the receiver reads to EOF.
type LibP2PTransport struct {
	Host   host.Host
	ctx    context.Context
	cancel context.CancelFunc

	localID core.PeerID
	logger  *logging.StructuredLogger

	mu       sync.RWMutex
	peers    map[peer.ID]core.PeerID
	reverse  map[core.PeerID]peer.ID
	events   chan Event
	breaker  *utils.CircuitBreaker
	discover *PeerDiscovery
}

func NewLibP2PTransport(port int, localID core.PeerID, logger *logging.StructuredLogger) (*LibP2PTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create listen address: %w", err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrs(listenAddr),
		libp2p.Identity(privKey),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	t := &LibP2PTransport{
		Host:    h,
		ctx:     ctx,
		cancel:  cancel,
		localID: localID,
		logger:  logger,
		peers:   make(map[peer.ID]core.PeerID),
		reverse: make(map[core.PeerID]peer.ID),
		events:  make(chan Event, 1024),
		breaker: utils.NewCircuitBreaker("transport_send", 5, 30*time.Second),
	}

	h.SetStreamHandler(protocol.ID(FrameProtocol), t.handleFrameStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    t.onConnected,
		DisconnectedF: t.onDisconnected,
	})

	logger.InfoWithFields("Transport started", map[string]interface{}{
		"host_id": h.ID().String(),
		"port":    port,
	})

	return t, nil
}

func (t *LibP2PTransport) Start(ctx context.Context) error {
	discover, err := NewPeerDiscovery(t.ctx, t.Host, t.logger)
	if err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	t.discover = discover
	return nil
}

func (t *LibP2PTransport) Stop() error {
	t.cancel()
	if t.discover != nil {
		t.discover.Close()
	}
	return t.Host.Close()
}

// handleFrameStream reads one frame per stream. The mesh peer ID travels as
// a length-prefixed header before the payload.
func (t *LibP2PTransport) handleFrameStream(stream network.Stream) {
	defer stream.Close()
	defer utils.RecoverFromPanic("transport_frame_stream")

	data, err := io.ReadAll(io.LimitReader(stream, int64(core.MaxPayloadSize)+4096))
	if err != nil {
		t.logger.WarnWithFields("Failed to read frame stream", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	meshID := t.meshIDFor(stream.Conn().RemotePeer())
	t.deliver(Event{Type: EventFrameReceived, Peer: meshID, Data: data})
}

func (t *LibP2PTransport) onConnected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	meshID := t.meshIDFor(remote)

	t.logger.InfoWithFields("Peer connected", map[string]interface{}{
		"peer": meshID.Short(),
	})
	t.deliver(Event{
		Type:    EventPeerConnected,
		Peer:    meshID,
		Address: conn.RemoteMultiaddr().String(),
	})
}

func (t *LibP2PTransport) onDisconnected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	meshID := t.meshIDFor(remote)

	t.mu.Lock()
	delete(t.peers, remote)
	delete(t.reverse, meshID)
	t.mu.Unlock()

	t.deliver(Event{Type: EventPeerDisconnected, Peer: meshID, Reason: "connection closed"})
}

// meshIDFor maps a libp2p peer to its mesh identity. Until the peer's
// signed hello arrives the host ID itself is used; BindPeer upgrades the
// mapping.
func (t *LibP2PTransport) meshIDFor(p peer.ID) core.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if meshID, exists := t.peers[p]; exists {
		return meshID
	}
	meshID := core.PeerID(p.String())
	t.peers[p] = meshID
	t.reverse[meshID] = p
	return meshID
}

// HostID returns the libp2p host identity. Membership announcements
// carry it so receivers can bind the sender's mesh ID to the right
// wire peer.
func (t *LibP2PTransport) HostID() string {
	return t.Host.ID().String()
}

// BindPeer associates a verified mesh identity with a libp2p peer.
func (t *LibP2PTransport) BindPeer(hostID string, meshID core.PeerID) error {
	pid, err := peer.Decode(hostID)
	if err != nil {
		return fmt.Errorf("invalid host peer ID: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.peers[pid]; exists {
		delete(t.reverse, old)
	}
	t.peers[pid] = meshID
	t.reverse[meshID] = pid
	return nil
}

func (t *LibP2PTransport) Connect(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to get peer info: %w", err)
	}

	if err := t.Host.Connect(t.ctx, *peerInfo); err != nil {
		return fmt.Errorf("failed to connect to peer: %w", err)
	}

	return nil
}

func (t *LibP2PTransport) Send(data []byte, to core.PeerID, mode SendMode) error {
	t.mu.RLock()
	pid, exists := t.reverse[to]
	t.mu.RUnlock()

	if !exists {
		return fmt.Errorf("peer %s not connected", to.Short())
	}

	send := func() error {
		stream, err := t.Host.NewStream(t.ctx, pid, protocol.ID(FrameProtocol))
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		defer stream.Close()

		if _, err := stream.Write(data); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
		return stream.CloseWrite()
	}

	if mode == SendReliable {
		return t.breaker.Call(send)
	}
	return send()
}

func (t *LibP2PTransport) Broadcast(data []byte) error {
	t.mu.RLock()
	targets := make([]core.PeerID, 0, len(t.reverse))
	for meshID := range t.reverse {
		targets = append(targets, meshID)
	}
	t.mu.RUnlock()

	var lastErr error
	for _, target := range targets {
		if err := t.Send(data, target, SendBestEffort); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (t *LibP2PTransport) deliver(ev Event) {
	select {
	case t.events <- ev:
	default:
		// Oldest event gives way; the mesh layer treats the stream as lossy.
		select {
		case <-t.events:
		default:
		}
		select {
		case t.events <- ev:
		default:
		}
	}
}

func (t *LibP2PTransport) Events() <-chan Event {
	return t.events
}

func (t *LibP2PTransport) Peers() []core.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]core.PeerID, 0, len(t.reverse))
	for meshID := range t.reverse {
		peers = append(peers, meshID)
	}
	return peers
}

func (t *LibP2PTransport) LocalID() core.PeerID {
	return t.localID
}

func (t *LibP2PTransport) Addresses() []string {
	addrs := make([]string, 0)
	for _, addr := range t.Host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", addr, t.Host.ID().String()))
	}
	return addrs
}
