// Package event provides the publish-subscribe bus for task lifecycle events.
//
// Event types follow a dot-notation hierarchy:
//   - task.started, task.finished
//   - task.spawn_failed, task.superseded, task.stopped
//   - watch.triggered
//
// A subscription is either an exact event type or a wildcard pattern ending
// in ".*" ("task.*" matches "task.started" and "task.spawn_failed").
package event

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dshills/cargoproc/internal/logging"
)

// Lifecycle event types published by the runner.
const (
	TaskStarted     = "task.started"
	TaskFinished    = "task.finished"
	TaskSpawnFailed = "task.spawn_failed"
	TaskSuperseded  = "task.superseded"
	TaskStopped     = "task.stopped"
	WatchTriggered  = "watch.triggered"
)

// Handler receives the data of a published event.
type Handler func(eventType string, data map[string]any)

// Bus is a thread-safe publish-subscribe event bus.
//
// Handlers are called synchronously, in subscription order, on the
// publishing goroutine.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription

	nextID atomic.Uint64
	closed atomic.Bool

	log *logging.Logger
}

type subscription struct {
	id        string
	eventType string
	isPattern bool
	handler   Handler
}

// NewBus creates a new event bus. A nil logger uses the default logger.
func NewBus(log *logging.Logger) *Bus {
	return &Bus{log: logging.OrDefault(log).WithComponent("event")}
}

// Subscribe adds a handler for eventType, which may be a ".*" wildcard.
// Returns a subscription ID for Unsubscribe, or "" if the bus is closed.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	if b.closed.Load() || handler == nil {
		return ""
	}

	sub := &subscription{
		id:        strconv.FormatUint(b.nextID.Add(1), 10),
		eventType: eventType,
		isPattern: isWildcard(eventType),
		handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers an event to all matching subscribers.
// A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(eventType string, data map[string]any) {
	if b.closed.Load() {
		return
	}

	for _, sub := range b.matching(eventType) {
		b.invoke(sub, eventType, data)
	}
}

func (b *Bus) invoke(sub *subscription, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler for %s panicked: %v", eventType, r)
		}
	}()
	sub.handler(eventType, data)
}

// Close shuts down the bus. Later Subscribe and Publish calls are no-ops.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) matching(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*subscription
	for _, sub := range b.subs {
		if sub.eventType == eventType || (sub.isPattern && matchPattern(sub.eventType, eventType)) {
			result = append(result, sub)
		}
	}
	return result
}

func isWildcard(eventType string) bool {
	return strings.HasSuffix(eventType, ".*")
}

// matchPattern reports whether eventType lies under the pattern's prefix.
func matchPattern(pattern, eventType string) bool {
	prefix := strings.TrimSuffix(pattern, "*")
	return len(eventType) > len(prefix) && strings.HasPrefix(eventType, prefix)
}
