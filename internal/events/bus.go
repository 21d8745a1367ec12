// Package events carries storage events from the engine to metrics and
// observers without ever blocking or failing the caller.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/prn-tf/sealstore/internal/domain"
)

// DefaultQueueSize is used when NewBus is given a non-positive size.
const DefaultQueueSize = 1024

// Folder consumes events synchronously inside Emit.
// Fold must be fast and must not block.
type Folder interface {
	Fold(event domain.StorageEvent)
}

// Handler consumes events on the dispatcher goroutine.
type Handler interface {
	Handle(ctx context.Context, event domain.StorageEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event domain.StorageEvent)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event domain.StorageEvent) {
	f(ctx, event)
}

// Bus fans events out to folders and handlers.
//
// Emit folds the event into every folder under a mutex, then enqueues it for
// the async handlers without blocking. If the queue is full the event is
// dropped for handlers only and counted. Panics in folders and handlers are
// recovered and logged.
type Bus struct {
	logger zerolog.Logger

	foldMu  sync.Mutex
	folders []Folder

	handlersMu sync.RWMutex
	handlers   []Handler

	queue   chan domain.StorageEvent
	emitted atomic.Int64
	dropped atomic.Int64

	// Control
	mu       sync.Mutex
	running  bool
	stopped  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewBus creates a bus with the given async queue capacity.
func NewBus(queueSize int, logger zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		logger:   logger.With().Str("service", "events").Logger(),
		queue:    make(chan domain.StorageEvent, queueSize),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// AddFolder registers a synchronous consumer.
func (b *Bus) AddFolder(f Folder) {
	b.foldMu.Lock()
	defer b.foldMu.Unlock()
	b.folders = append(b.folders, f)
}

// Subscribe registers an async consumer.
func (b *Bus) Subscribe(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit publishes an event. It never blocks on handlers and never panics.
func (b *Bus) Emit(event domain.StorageEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event_type", string(event.Type)).Msg("recovered panic while emitting event")
		}
	}()

	b.emitted.Inc()
	b.fold(event)

	if b.stopped.Load() {
		b.dropped.Inc()
		return
	}

	select {
	case b.queue <- event:
	default:
		n := b.dropped.Inc()
		b.logger.Warn().
			Str("event_type", string(event.Type)).
			Str("object_id", event.ObjectID).
			Int64("dropped_total", n).
			Msg("event queue full, dropping event for async handlers")
	}
}

func (b *Bus) fold(event domain.StorageEvent) {
	b.foldMu.Lock()
	defer b.foldMu.Unlock()

	for _, f := range b.folders {
		b.safeFold(f, event)
	}
}

func (b *Bus) safeFold(f Folder, event domain.StorageEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("folder", fmt.Sprintf("%T", f)).Msg("recovered panic in event folder")
		}
	}()
	f.Fold(event)
}

// Start begins dispatching queued events to handlers.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running || b.stopped.Load() {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.dispatchLoop()
}

// Stop dispatches every event already queued, then stops the dispatcher.
// Events emitted after Stop are still folded but not dispatched.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		return
	}
	b.stopped.Store(true)
	running := b.running
	b.running = false
	b.mu.Unlock()

	if !running {
		return
	}
	close(b.stopChan)
	<-b.doneChan
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneChan)

	ctx := context.Background()
	for {
		select {
		case event := <-b.queue:
			b.dispatch(ctx, event)
		case <-b.stopChan:
			for {
				select {
				case event := <-b.queue:
					b.dispatch(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.StorageEvent) {
	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		b.safeHandle(ctx, h, event)
	}
}

func (b *Bus) safeHandle(ctx context.Context, h Handler, event domain.StorageEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("handler", fmt.Sprintf("%T", h)).Msg("recovered panic in event handler")
		}
	}()
	h.Handle(ctx, event)
}

// Emitted returns the number of events passed to Emit.
func (b *Bus) Emitted() int64 {
	return b.emitted.Load()
}

// Dropped returns the number of events not delivered to async handlers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Pending returns the number of queued events awaiting dispatch.
func (b *Bus) Pending() int {
	return len(b.queue)
}
