package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/aiqueue/internal/breaker"
	"github.com/phrazzld/aiqueue/internal/cache"
	"github.com/phrazzld/aiqueue/internal/domain"
	"github.com/phrazzld/aiqueue/internal/retry"
)

// HandlerFunc processes one decoded payload. Delivery is at-least-once, so a
// handler may see the same payload more than once.
type HandlerFunc[P domain.Payload, R any] func(ctx context.Context, payload P) (R, error)

// registration is a handler with its decoding and protection layers applied.
type registration struct {
	queueType domain.QueueType
	run       func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)
}

// Handle registers fn as the handler for P's queue type. P must be a value
// payload variant such as domain.SkinAnalysisRequest. Each invocation runs
// as: cache lookup, then retry around the circuit breaker around fn, then
// cache store. Handlers must be registered before the manager's first use.
func Handle[P domain.Payload, R any](m *Manager, fn HandlerFunc[P, R], opts ...HandlerOption) error {
	var zero P
	qt := zero.QueueType()
	if qt == domain.QueueBatchProcessing {
		return fmt.Errorf("%w: batch jobs are handled by the manager", domain.ErrConfiguration)
	}

	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}

	var cb *breaker.CircuitBreaker
	if o.breakerName != "" {
		if m.breakers == nil {
			return fmt.Errorf("%w: breaker %q requested without a breaker registry", domain.ErrConfiguration, o.breakerName)
		}
		cb = m.breakers.GetOrCreate(o.breakerName)
	}

	policy := m.policy
	if o.policy != nil {
		policy = *o.policy
	}
	if policy.Name == "" || policy.Name == "default" {
		policy.Name = string(qt)
	}

	useCache := o.cacheType != "" && m.cache != nil

	run := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var payload P
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		if err := domain.ValidatePayload(payload); err != nil {
			return nil, err
		}

		key := cacheRequest[P]{QueueType: qt, Payload: payload}
		if useCache {
			if cached, ok := cache.Lookup[R](ctx, m.cache, o.cacheType, key); ok {
				return encodeResult(cached)
			}
		}

		call := func(ctx context.Context) (R, error) {
			if cb != nil {
				return breaker.Run(ctx, cb, func(ctx context.Context) (R, error) {
					return fn(ctx, payload)
				})
			}
			return fn(ctx, payload)
		}

		result, err := retry.Execute(ctx, m.retries, policy, call)
		if err != nil {
			return nil, err
		}

		if useCache {
			m.cache.Set(ctx, o.cacheType, key, result)
		}
		return encodeResult(result)
	}

	return m.register(&registration{queueType: qt, run: run})
}

// cacheRequest scopes a cached result to its queue, so queues sharing a
// cache type never see each other's results for an identical payload.
type cacheRequest[P any] struct {
	QueueType domain.QueueType `json:"queue_type"`
	Payload   P                `json:"payload"`
}

func encodeResult(v any) (json.RawMessage, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("failed to encode handler result: %w", err))
	}
	return out, nil
}
