package mesh

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"dicemesh/pkg/core"
	"dicemesh/pkg/utils"
)

// PriorityClass orders outbound traffic. Lower value dequeues first.
type PriorityClass int

const (
	ClassSystem PriorityClass = iota
	ClassInteractive
	ClassBackground
	ClassMaintenance
	numClasses
)

func (c PriorityClass) String() string {
	switch c {
	case ClassSystem:
		return "system"
	case ClassInteractive:
		return "interactive"
	case ClassBackground:
		return "background"
	case ClassMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

type DeliveryMode int

const (
	ModeBestEffort DeliveryMode = iota
	ModeReliable
)

// QueuedMessage is one outbound delivery unit. Slot preserves the original
// per-(sender,target) send order across retries.
type QueuedMessage struct {
	ID         string
	Frame      *core.Frame
	Targets    []core.PeerID
	Class      PriorityClass
	Mode       DeliveryMode
	Slot       uint64
	EnqueuedAt time.Time
	Attempts   int
}

// PendingAck tracks a reliable message awaiting confirmation.
type PendingAck struct {
	Message  *QueuedMessage
	Deadline time.Time
}

// DeliveryFailureHandler is invoked when a reliable message exhausts its
// retries.
type DeliveryFailureHandler func(msg *QueuedMessage)

// DeliveryQueue orders and retries outbound frames by priority class under
// a fixed global capacity.
type DeliveryQueue struct {
	mu      sync.Mutex
	classes [numClasses][]*QueuedMessage
	size    int

	capacity   int
	ackTimeout time.Duration
	maxRetries int

	pendingAcks map[string]*PendingAck
	slots       map[string]uint64

	onFailure DeliveryFailureHandler

	evictions        uint64
	deliveryFailures uint64
}

func NewDeliveryQueue(capacity int, ackTimeout time.Duration, maxRetries int) *DeliveryQueue {
	return &DeliveryQueue{
		capacity:    capacity,
		ackTimeout:  ackTimeout,
		maxRetries:  maxRetries,
		pendingAcks: make(map[string]*PendingAck),
		slots:       make(map[string]uint64),
	}
}

func (q *DeliveryQueue) SetFailureHandler(h DeliveryFailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = h
}

// NewMessage builds a QueuedMessage with a fresh ID and the next ordering
// slot for each (sender, target) pair.
func (q *DeliveryQueue) NewMessage(frame *core.Frame, targets []core.PeerID, class PriorityClass, mode DeliveryMode) *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var slot uint64
	for _, target := range targets {
		key := string(frame.Sender) + "|" + string(target)
		q.slots[key]++
		if q.slots[key] > slot {
			slot = q.slots[key]
		}
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)

	return &QueuedMessage{
		ID:         hex.EncodeToString(idBytes),
		Frame:      frame,
		Targets:    targets,
		Class:      class,
		Mode:       mode,
		Slot:       slot,
		EnqueuedAt: time.Now(),
	}
}

// Enqueue inserts msg, evicting lower classes if the queue is full. System
// messages are never evicted; when no capacity can be freed for one, the
// caller gets an explicit capacity error instead of a silent drop.
func (q *DeliveryQueue) Enqueue(msg *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(msg)
}

func (q *DeliveryQueue) enqueueLocked(msg *QueuedMessage) error {
	if q.size >= q.capacity {
		q.evictForLocked(msg.Class)
	}
	if q.size >= q.capacity {
		return utils.NewMeshError(utils.KindCapacityExceeded, "delivery_queue",
			fmt.Errorf("queue full (%d/%d), no evictable entries below class %s", q.size, q.capacity, msg.Class))
	}

	// Keep each class ordered by enqueue time so retries, which keep their
	// original timestamp, regain their position.
	list := q.classes[msg.Class]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].EnqueuedAt.After(msg.EnqueuedAt)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = msg
	q.classes[msg.Class] = list
	q.size++
	return nil
}

// evictForLocked frees one slot by dropping from the lowest class that is
// both non-empty and lower priority than incoming.
func (q *DeliveryQueue) evictForLocked(incoming PriorityClass) {
	for class := ClassMaintenance; class > incoming; class-- {
		list := q.classes[class]
		if len(list) == 0 {
			continue
		}
		// Drop the newest entry of the victim class; older entries have
		// waited longer and keep their chance.
		q.classes[class] = list[:len(list)-1]
		q.size--
		q.evictions++
		return
	}
}

// Dequeue returns the highest-priority oldest message, or nil when empty.
// Reliable messages are registered for acknowledgment tracking.
func (q *DeliveryQueue) Dequeue() *QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	for class := ClassSystem; class < numClasses; class++ {
		list := q.classes[class]
		if len(list) == 0 {
			continue
		}
		msg := list[0]
		q.classes[class] = list[1:]
		q.size--

		msg.Attempts++
		if msg.Mode == ModeReliable {
			q.pendingAcks[msg.ID] = &PendingAck{
				Message:  msg,
				Deadline: time.Now().Add(q.retryDelay(msg.Attempts)),
			}
		}
		return msg
	}
	return nil
}

// retryDelay doubles per attempt, capped at the maximum retry delay.
func (q *DeliveryQueue) retryDelay(attempt int) time.Duration {
	delay := q.ackTimeout
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= core.MaxRetryDelay {
			return core.MaxRetryDelay
		}
	}
	return delay
}

// Ack confirms delivery of a reliable message.
func (q *DeliveryQueue) Ack(msgID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pendingAcks[msgID]; exists {
		delete(q.pendingAcks, msgID)
		return true
	}
	return false
}

// CheckPendingAcks re-enqueues reliable messages whose deadline passed and
// drops those that exhausted their retries.
func (q *DeliveryQueue) CheckPendingAcks() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for id, pending := range q.pendingAcks {
		if now.Before(pending.Deadline) {
			continue
		}
		delete(q.pendingAcks, id)

		if pending.Message.Attempts >= q.maxRetries {
			q.deliveryFailures++
			if q.onFailure != nil {
				go q.onFailure(pending.Message)
			}
			continue
		}

		if err := q.enqueueLocked(pending.Message); err != nil {
			q.deliveryFailures++
			if q.onFailure != nil {
				go q.onFailure(pending.Message)
			}
		}
	}
}

func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *DeliveryQueue) PendingAckCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingAcks)
}

func (q *DeliveryQueue) Stats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	perClass := make(map[string]int)
	for class := ClassSystem; class < numClasses; class++ {
		perClass[class.String()] = len(q.classes[class])
	}

	return map[string]interface{}{
		"depth":             q.size,
		"capacity":          q.capacity,
		"per_class":         perClass,
		"pending_acks":      len(q.pendingAcks),
		"evictions":         q.evictions,
		"delivery_failures": q.deliveryFailures,
	}
}
