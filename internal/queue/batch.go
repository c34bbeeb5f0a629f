package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/aiqueue/internal/domain"
	"golang.org/x/sync/errgroup"
)

// runBatch executes a batch job. Items run through the target queue's
// handler in chunks of the batch size; a failing item is recorded in its
// result and never fails its siblings or the batch.
func (m *Manager) runBatch(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var req domain.BatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err))
	}
	if err := domain.ValidatePayload(req); err != nil {
		return nil, domain.Permanent(err)
	}

	m.mu.RLock()
	target, ok := m.handlers[req.TargetType]
	m.mu.RUnlock()
	if !ok || req.TargetType == domain.QueueBatchProcessing {
		return nil, domain.Permanent(fmt.Errorf("%w: no handler for batch target %s", domain.ErrUnknownQueue, req.TargetType))
	}

	size := req.BatchSize
	if size <= 0 {
		size = m.cfg.BatchSize
	}
	if size <= 0 {
		size = 1
	}

	results := make([]domain.BatchItemResult, len(req.Items))
	for start := 0; start < len(req.Items); start += size {
		end := min(start+size, len(req.Items))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				data, err := m.safeRun(ctx, target, req.Items[i])
				res := domain.BatchItemResult{Index: i, Success: err == nil}
				if err != nil {
					res.Error = err.Error()
				} else {
					res.Data = data
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	out := domain.BatchResult{Results: results, TotalProcessed: len(results)}
	for _, r := range results {
		if r.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	if out.TotalProcessed > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(out.TotalProcessed)
	}

	m.logger.InfoContext(ctx, "batch processed",
		"target_type", string(req.TargetType),
		"items", out.TotalProcessed,
		"succeeded", out.Succeeded,
		"failed", out.Failed)

	return encodeResult(out)
}
