package notify

import (
	"context"
	"sync"
	"time"
)

// ChangeMessage carries one committed transaction's differences to the
// tenant's subscribers.
type ChangeMessage struct {
	TenantID    int64
	Tick        int64
	Differences []Difference
	Timestamp   time.Time
}

// Dispatcher fans committed change sets out to per-tenant subscribers. Sends
// never block: a subscriber that cannot keep up loses messages and is
// expected to resynchronize through the request log.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ChangeMessage
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one tenant's changes. The stream closes
// never; cancel the context or call the returned cleanup to unregister.
func (d *Dispatcher) Subscribe(ctx context.Context, tenantID int64) (<-chan ChangeMessage, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeMessage, d.bufferSize),
	}
	d.register(tenantID, sub)
	cleanup := func() {
		d.unregister(tenantID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the message to every subscriber of its tenant, dropping
// it for subscribers whose buffer is full.
func (d *Dispatcher) Publish(message ChangeMessage) {
	if len(message.Differences) == 0 {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(tenantID int64, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*subscriber)
	}
	d.subscribers[tenantID][sub.id] = sub
}

func (d *Dispatcher) unregister(tenantID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
