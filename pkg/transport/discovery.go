package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"

	"dicemesh/pkg/logging"
)

const discoveryNamespace = "dicemesh-session"

// PeerDiscovery finds session peers over mDNS on the local network and the
// kademlia DHT beyond it.
type PeerDiscovery struct {
	host       host.Host
	ctx        context.Context
	dht        *dht.IpfsDHT
	mdns       mdns.Service
	routingDis *drouting.RoutingDiscovery
	logger     *logging.StructuredLogger
	peers      map[peer.ID]bool
	mu         sync.RWMutex
}

func NewPeerDiscovery(ctx context.Context, h host.Host, logger *logging.StructuredLogger) (*PeerDiscovery, error) {
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	if err := kdht.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	pd := &PeerDiscovery{
		host:       h,
		ctx:        ctx,
		dht:        kdht,
		routingDis: drouting.NewRoutingDiscovery(kdht),
		logger:     logger,
		peers:      make(map[peer.ID]bool),
	}

	if err := pd.setupMDNS(); err != nil {
		logger.WarnWithFields("MDNS setup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	go pd.discoverPeers()

	return pd, nil
}

func (pd *PeerDiscovery) setupMDNS() error {
	s := mdns.NewMdnsService(pd.host, discoveryNamespace, pd)
	pd.mdns = s
	return s.Start()
}

// HandlePeerFound implements the mdns.Notifee callback.
func (pd *PeerDiscovery) HandlePeerFound(pi peer.AddrInfo) {
	pd.mu.Lock()
	if pd.peers[pi.ID] {
		pd.mu.Unlock()
		return
	}
	pd.peers[pi.ID] = true
	pd.mu.Unlock()

	if err := pd.host.Connect(pd.ctx, pi); err != nil {
		pd.logger.WarnWithFields("Failed to connect to discovered peer", map[string]interface{}{
			"peer":  pi.ID.String(),
			"error": err.Error(),
		})
		return
	}

	pd.logger.InfoWithFields("Discovered and connected to peer", map[string]interface{}{
		"peer": pi.ID.String(),
	})
}

func (pd *PeerDiscovery) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-pd.ctx.Done():
			return
		case <-ticker.C:
			pd.advertise()
			pd.findPeers()
		}
	}
}

func (pd *PeerDiscovery) advertise() {
	if _, err := pd.routingDis.Advertise(pd.ctx, discoveryNamespace); err != nil {
		pd.logger.WarnWithFields("Advertisement failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (pd *PeerDiscovery) findPeers() {
	peerCh, err := pd.routingDis.FindPeers(pd.ctx, discoveryNamespace)
	if err != nil {
		pd.logger.WarnWithFields("Peer search failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for pi := range peerCh {
		if pi.ID == pd.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		pd.HandlePeerFound(pi)
	}
}

func (pd *PeerDiscovery) GetPeerCount() int {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	return len(pd.peers)
}

func (pd *PeerDiscovery) Close() error {
	if pd.mdns != nil {
		pd.mdns.Close()
	}
	return pd.dht.Close()
}
