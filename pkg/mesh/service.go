package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/identity"
	"dicemesh/pkg/logging"
	"dicemesh/pkg/metrics"
	"dicemesh/pkg/security"
	"dicemesh/pkg/transport"
	"dicemesh/pkg/utils"
)

// FrameHandler consumes an allowed inbound frame of one kind.
type FrameHandler func(frame *core.Frame, from core.PeerID) error

// wireMessage is the delivery envelope. The ID lets the receiver
// acknowledge reliable sends; the frame inside is what dedup and trust
// operate on.
type wireMessage struct {
	ID       string      `json:"id"`
	Reliable bool        `json:"reliable"`
	Frame    *core.Frame `json:"frame"`
}

// Service is the per-node mesh event loop. Inbound transport events, timer
// ticks and local submissions are all funneled through bounded channels.
type Service struct {
	cfg       *core.Config
	transport transport.Transport
	dedup     *Deduplicator
	queue     *DeliveryQueue
	validator *security.Validator
	ident     *identity.Identity
	logger    *logging.StructuredLogger
	metrics   *metrics.MeshMetrics

	mu       sync.RWMutex
	handlers map[core.FrameKind]FrameHandler
	peers    map[core.PeerID]time.Time

	events chan core.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(
	cfg *core.Config,
	tr transport.Transport,
	validator *security.Validator,
	ident *identity.Identity,
	logger *logging.StructuredLogger,
	mm *metrics.MeshMetrics,
) (*Service, error) {
	dedup, err := NewDeduplicator()
	if err != nil {
		return nil, fmt.Errorf("failed to create deduplicator: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		transport: tr,
		dedup:     dedup,
		queue:     NewDeliveryQueue(cfg.QueueCapacity, cfg.AckTimeout, cfg.MaxSendRetries),
		validator: validator,
		ident:     ident,
		logger:    logger,
		metrics:   mm,
		handlers:  make(map[core.FrameKind]FrameHandler),
		peers:     make(map[core.PeerID]time.Time),
		events:    make(chan core.Event, 256),
	}

	validator.SetCheatReporter(func(peer core.PeerID, reason string, evidence []byte) {
		s.emitEvent(core.Event{
			Type:      core.EventCheatFlagged,
			Peer:      peer,
			Reason:    reason,
			Evidence:  evidence,
			Timestamp: time.Now(),
		})
	})

	s.handlers[core.FrameAck] = s.HandleAck

	s.queue.SetFailureHandler(func(msg *QueuedMessage) {
		if s.metrics != nil {
			s.metrics.DeliveryFailures.Inc()
		}
		s.logger.WarnWithFields("Delivery failed after retries", map[string]interface{}{
			"message": msg.ID,
			"kind":    msg.Frame.Kind.String(),
		})
	})

	return s, nil
}

// Handle registers the consumer for one frame kind. Must be called before
// Start.
func (s *Service) Handle(kind core.FrameKind, handler FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.dedup.StartSweeper(time.Minute)

	s.wg.Add(3)
	go s.receiveLoop()
	go s.sendLoop()
	go s.timerLoop()

	s.logger.InfoWithFields("Mesh service started", map[string]interface{}{
		"peer":     s.transport.LocalID().Short(),
		"capacity": s.cfg.QueueCapacity,
	})
	return nil
}

func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.dedup.Stop()
	return nil
}

// Events is the stream the game session consumes.
func (s *Service) Events() <-chan core.Event {
	return s.events
}

func (s *Service) emitEvent(ev core.Event) {
	select {
	case s.events <- ev:
	default:
		// A slow consumer loses the oldest event, never blocks the mesh.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()
	defer utils.RecoverFromPanic("mesh_receive_loop")

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleTransportEvent(ev)
		}
	}
}

func (s *Service) handleTransportEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerConnected:
		s.mu.Lock()
		s.peers[ev.Peer] = time.Now()
		count := len(s.peers)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.PeerCount.Set(float64(count))
		}
		s.emitEvent(core.Event{Type: core.EventPeerJoined, Peer: ev.Peer, Timestamp: time.Now()})

	case transport.EventPeerDisconnected:
		s.mu.Lock()
		delete(s.peers, ev.Peer)
		count := len(s.peers)
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.PeerCount.Set(float64(count))
		}
		s.emitEvent(core.Event{Type: core.EventPeerLeft, Peer: ev.Peer, Reason: ev.Reason, Timestamp: time.Now()})

	case transport.EventFrameReceived:
		s.handleInboundData(ev.Data, ev.Peer)
	}
}

func (s *Service) handleInboundData(data []byte, from core.PeerID) {
	if s.metrics != nil {
		s.metrics.FramesReceived.Inc()
	}

	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil || wire.Frame == nil {
		// Malformed input is dropped, logged and never fatal.
		s.logger.DebugWithFields("Dropping malformed frame", map[string]interface{}{
			"from": from.Short(),
		})
		return
	}
	frame := wire.Frame

	result := s.dedup.Process(frame, from)
	if !result.New {
		if s.metrics != nil {
			s.metrics.DuplicatesDropped.Inc()
		}
		if result.ShouldForward {
			s.forward(frame, wire.ID)
		}
		return
	}

	verdict := s.validator.VerifyFrame(frame, s.validator.PublicKeyOf(frame.Sender))
	switch verdict.Verdict {
	case security.VerdictDeny:
		// Poison the dedup entry so copies of this message arriving from
		// other relays are never re-broadcast either.
		s.dedup.MarkDenied(frame)
		if s.metrics != nil {
			s.metrics.FramesRejected.Inc()
		}
		s.logger.DebugWithFields("Frame denied", map[string]interface{}{
			"sender": frame.Sender.Short(),
			"kind":   frame.Kind.String(),
			"reason": verdict.Reason,
		})
		return
	case security.VerdictQuarantine:
		s.dedup.MarkDenied(frame)
		if s.metrics != nil {
			s.metrics.PeersQuarantined.Inc()
		}
		s.logger.WarnWithFields("Frame quarantined", map[string]interface{}{
			"sender": frame.Sender.Short(),
			"reason": verdict.Reason,
		})
		return
	}

	if wire.Reliable {
		s.sendAck(wire.ID, from)
	}

	if frame.Kind == core.FrameHeartbeat {
		s.mu.Lock()
		s.peers[frame.Sender] = time.Now()
		s.mu.Unlock()
	}

	s.mu.RLock()
	handler := s.handlers[frame.Kind]
	s.mu.RUnlock()

	if handler != nil {
		if err := handler(frame, from); err != nil {
			s.logger.WarnWithFields("Frame handler failed", map[string]interface{}{
				"kind":  frame.Kind.String(),
				"error": err.Error(),
			})
		}
	}

	if frame.ShouldForward() {
		s.forward(frame, wire.ID)
	}
}

// forward re-broadcasts a frame with one less hop. The envelope ID is kept
// so downstream dedup converges on the same entry.
func (s *Service) forward(frame *core.Frame, wireID string) {
	fwd := *frame
	fwd.TTL--

	data, err := json.Marshal(wireMessage{ID: wireID, Frame: &fwd})
	if err != nil {
		return
	}
	if err := s.transport.Broadcast(data); err != nil {
		s.logger.DebugWithFields("Forward broadcast failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if s.metrics != nil {
		s.metrics.FramesForwarded.Inc()
	}
}

func (s *Service) sendAck(msgID string, to core.PeerID) {
	ack := &core.Frame{
		Sender:    s.ident.PeerID,
		Kind:      core.FrameAck,
		Payload:   []byte(msgID),
		TTL:       1,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(wireMessage{ID: "", Frame: ack})
	if err != nil {
		return
	}
	if err := s.transport.Send(data, to, transport.SendBestEffort); err != nil {
		s.logger.DebugWithFields("Ack send failed", map[string]interface{}{
			"to":    to.Short(),
			"error": err.Error(),
		})
	}
}

// HandleAck consumes FrameAck frames; wired as the ack kind handler.
func (s *Service) HandleAck(frame *core.Frame, from core.PeerID) error {
	s.queue.Ack(string(frame.Payload))
	return nil
}

// Send signs (when the security level demands it), wraps and enqueues a
// frame for the given targets.
func (s *Service) Send(frame *core.Frame, targets []core.PeerID, class PriorityClass, mode DeliveryMode) error {
	if frame.Sender == "" {
		frame.Sender = s.ident.PeerID
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if frame.TTL == 0 {
		frame.TTL = s.cfg.MaxTTL
	}
	if len(frame.Signature) == 0 {
		if err := s.ident.SignFrame(frame); err != nil {
			return fmt.Errorf("failed to sign frame: %w", err)
		}
	}

	msg := s.queue.NewMessage(frame, targets, class, mode)
	if err := s.queue.Enqueue(msg); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	}
	return nil
}

// Broadcast enqueues a frame for every connected peer.
func (s *Service) Broadcast(frame *core.Frame, class PriorityClass, mode DeliveryMode) error {
	return s.Send(frame, s.transport.Peers(), class, mode)
}

func (s *Service) sendLoop() {
	defer s.wg.Done()
	defer utils.RecoverFromPanic("mesh_send_loop")

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for {
				msg := s.queue.Dequeue()
				if msg == nil {
					break
				}
				s.dispatch(msg)
			}
			if s.metrics != nil {
				s.metrics.QueueDepth.Set(float64(s.queue.Len()))
			}
		}
	}
}

func (s *Service) dispatch(msg *QueuedMessage) {
	data, err := json.Marshal(wireMessage{
		ID:       msg.ID,
		Reliable: msg.Mode == ModeReliable,
		Frame:    msg.Frame,
	})
	if err != nil {
		return
	}

	mode := transport.SendBestEffort
	if msg.Mode == ModeReliable {
		mode = transport.SendReliable
	}

	if len(msg.Targets) == 0 {
		if err := s.transport.Broadcast(data); err != nil {
			s.logger.DebugWithFields("Broadcast failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}

	for _, target := range msg.Targets {
		if err := s.transport.Send(data, target, mode); err != nil {
			s.logger.DebugWithFields("Send failed", map[string]interface{}{
				"to":    target.Short(),
				"error": err.Error(),
			})
		}
	}
}

func (s *Service) timerLoop() {
	defer s.wg.Done()
	defer utils.RecoverFromPanic("mesh_timer_loop")

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	ackCheck := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	defer ackCheck.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-heartbeat.C:
			s.sendHeartbeat()
		case <-ackCheck.C:
			s.queue.CheckPendingAcks()
		}
	}
}

func (s *Service) sendHeartbeat() {
	frame := &core.Frame{
		Sender:    s.ident.PeerID,
		Kind:      core.FrameHeartbeat,
		TTL:       1,
		Timestamp: time.Now(),
	}
	if err := s.Broadcast(frame, ClassMaintenance, ModeBestEffort); err != nil {
		s.logger.DebugWithFields("Heartbeat enqueue failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// LastHeartbeats returns a copy of the per-peer last-seen map for the
// partition detector.
func (s *Service) LastHeartbeats() map[core.PeerID]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.PeerID]time.Time, len(s.peers))
	for id, t := range s.peers {
		out[id] = t
	}
	return out
}

func (s *Service) EmitEvent(ev core.Event) {
	s.emitEvent(ev)
}

func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"dedup": s.dedup.Stats(),
		"queue": s.queue.Stats(),
		"trust": s.validator.Stats(),
		"peers": len(s.LastHeartbeats()),
	}
}
