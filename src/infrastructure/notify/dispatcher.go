package notify

import (
	"context"
	"fmt"
	"sync"

	"distillery/src/log"
)

// Dispatcher fans bus announcements out to in-process waiters keyed by
// correlation id.
type Dispatcher struct {
	bus     *Bus
	running chan struct{}

	mu      sync.Mutex
	nextID  int
	waiters map[string]map[int]chan struct{}
}

func NewDispatcher(bus *Bus) *Dispatcher {
	return &Dispatcher{
		bus:     bus,
		running: make(chan struct{}),
		waiters: make(map[string]map[int]chan struct{}),
	}
}

// Subscribe registers interest in a correlation id. The returned channel
// holds at most one pending signal; the cancel func must be called once
// the waiter is done.
func (d *Dispatcher) Subscribe(correlationID string) (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	ch := make(chan struct{}, 1)

	set, ok := d.waiters[correlationID]
	if !ok {
		set = make(map[int]chan struct{})
		d.waiters[correlationID] = set
	}
	set[id] = ch

	cancel := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		set, ok := d.waiters[correlationID]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(d.waiters, correlationID)
		}
	}
	return ch, cancel
}

// Running is closed once the bus subscription is live.
func (d *Dispatcher) Running() <-chan struct{} {
	return d.running
}

// Run consumes announcements until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	messages, err := d.bus.subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %v", d.bus.topic, err)
	}
	close(d.running)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			correlationID := string(msg.Payload)
			log.Debug("Notification received", "correlation_id", correlationID)
			d.signal(correlationID)
			msg.Ack()
		}
	}
}

// signal wakes every waiter without blocking. A waiter with a pending
// signal misses nothing, it re-reads the store on wake-up anyway.
func (d *Dispatcher) signal(correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.waiters[correlationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
