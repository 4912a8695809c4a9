package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/log"
)

// Replayer resubmits dead letters as fresh work. The new submission
// starts with a clean attempt budget; the dead letter is consumed.
type Replayer struct {
	store    Store
	jobs     *job.Service
	requests *llmq.Service
}

func NewReplayer(store Store, jobs *job.Service, requests *llmq.Service) *Replayer {
	return &Replayer{
		store:    store,
		jobs:     jobs,
		requests: requests,
	}
}

// Requeue pops the item and resubmits it, returning the id of the new
// job or request. When resubmission fails the item is pushed back so
// the letter is not lost.
func (r *Replayer) Requeue(ctx context.Context, id int64) (string, error) {
	item, err := r.store.Pop(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := r.resubmit(ctx, item)
	if err != nil {
		if pushErr := r.store.Push(ctx, item); pushErr != nil {
			log.Error(pushErr, "Failed to restore dead letter after resubmission error", "dead_letter_id", item.ID)
		}
		return "", err
	}

	log.Info("Requeued dead letter", "dead_letter_id", item.ID, "source_kind", item.SourceKind, "new_id", newID)
	return newID, nil
}

func (r *Replayer) resubmit(ctx context.Context, item *Item) (string, error) {
	switch item.SourceKind {
	case SourceAcquisitionJob:
		var env jobEnvelope
		if err := json.Unmarshal(item.OriginalPayload, &env); err != nil {
			return "", fmt.Errorf("failed to decode dead letter %d: %w", item.ID, err)
		}
		j, err := r.jobs.EnqueueRaw(ctx, env.Type, env.Payload, env.MaxAttempts)
		if err != nil {
			return "", err
		}
		return j.ID, nil

	case SourceLLMRequest:
		var env requestEnvelope
		if err := json.Unmarshal(item.OriginalPayload, &env); err != nil {
			return "", fmt.Errorf("failed to decode dead letter %d: %w", item.ID, err)
		}
		return r.requests.Submit(ctx, env.Prompt, env.Parameters, env.MaxAttempts)

	default:
		return "", fmt.Errorf("dead letter %d has unknown source kind %q", item.ID, item.SourceKind)
	}
}
