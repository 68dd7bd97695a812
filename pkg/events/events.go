package events

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventWorkflowDone        EventType = "workflow.done"
	EventWorkflowFailed      EventType = "workflow.failed"
	EventRunStarted          EventType = "workflow_run.started"
	EventRunHalted           EventType = "workflow_run.halted"
	EventRunColdResumed      EventType = "workflow_run.cold_resumed"
	EventTaskQueued          EventType = "task.queued"
	EventTaskDone            EventType = "task.done"
	EventTaskFatal           EventType = "task.fatal"
	EventInstanceTerminal    EventType = "task_instance.terminal"
	EventInstanceNoHeartbeat EventType = "task_instance.no_heartbeat"
)

// Event is one status-change notification. The transition service publishes
// an event after the transaction that produced it commits; swarm controllers
// subscribe so they can react without tight polling.
type Event struct {
	Type           EventType
	Timestamp      time.Time
	WorkflowID     int64
	WorkflowRunID  int64
	TaskID         int64
	TaskInstanceID int64
	Status         string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers. Delivery is best-effort;
// correctness never depends on it because controllers also poll.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
