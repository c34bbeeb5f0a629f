package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryEventEmitter delivers job events synchronously to the handlers
// registered in this process. It is called from worker goroutines, so a
// handler that panics is recovered and reported as an error.
type InMemoryEventEmitter struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

type subscription struct {
	handler EventHandler
	types   map[JobEventType]struct{}
}

func (s subscription) wants(t JobEventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// NewInMemoryEventEmitter creates an emitter with no handlers.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		logger: logger.With("component", "job_event_emitter"),
	}
}

// RegisterHandler subscribes handler to the given event types, or to every
// event when no types are given.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler, types ...JobEventType) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[JobEventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	e.subs = append(e.subs, sub)
	n := len(e.subs)
	e.mu.Unlock()

	e.logger.Debug("registered job event handler", "handler_count", n, "event_types", types)
}

// EmitEvent delivers event to every interested handler in registration
// order. All handlers run; their errors are joined.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *JobEvent) error {
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	var errs []error
	for i, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		if err := deliver(ctx, sub.handler, event); err != nil {
			e.logger.ErrorContext(ctx, "job event handler failed",
				"error", err,
				"handler_index", i,
				"event_type", event.Type,
				"job_id", event.JobID,
				"queue_type", event.QueueType)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, h EventHandler, event *JobEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h.HandleEvent(ctx, event)
}
