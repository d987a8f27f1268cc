package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// Type identifies an event on the in-process bus.
type Type string

const (
	// Watcher events.
	TypeCapture      Type = "capture"
	TypeBackpressure Type = "backpressure"
	TypeWatcherError Type = "error"
	TypeStarted      Type = "started"
	TypeStopped      Type = "stopped"

	// Queue / worker events.
	TypeJobCompleted Type = "jobCompleted"
	TypeJobFailed    Type = "jobFailed"
	TypeQueuePaused  Type = "queuePaused"
	TypeQueueResumed Type = "queueResumed"

	// Inference events.
	TypeFallback  Type = "inferenceFallback"
	TypeQuotaLow  Type = "quotaLow"

	// Scan lifecycle events.
	TypeScanTerminal Type = "scanTerminal"
)

// Event is one published occurrence with an opaque payload.
type Event struct {
	Type    Type
	Payload interface{}
}

// Handler processes a published event.
type Handler func(ctx context.Context, event Event) error

// Bus implements an in-process pub/sub pattern.
type Bus struct {
	subscribers map[Type][]Handler
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewBus creates a new event bus.
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)

	b.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(b.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// Publish sends an event to all subscribers asynchronously. Handler errors
// are logged and never propagate to the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.subscribers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				b.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		}(handler)
	}
}

// PublishSync sends an event to all subscribers and waits for completion.
// Used by tests and shutdown paths that need ordering.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.subscribers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}
