// Package metrics aggregates queue health counters into one snapshot for
// the operations endpoint and the CLI.
package metrics

import (
	"context"
	"fmt"
	"time"

	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
)

// JobCounter is the slice of the job repository the collector needs.
type JobCounter interface {
	CountByTypeStatus(ctx context.Context) ([]job.StatusCount, error)
}

// RequestCounter is the slice of the LLM queue repository the collector
// needs.
type RequestCounter interface {
	CountByStatus(ctx context.Context) ([]llmq.StatusCount, error)
}

// DeadLetterCounter is the slice of the dead letter store the collector
// needs.
type DeadLetterCounter interface {
	CountByKind(ctx context.Context) ([]dlq.KindCount, error)
}

// Snapshot is a point-in-time view of every queue in the system.
// QueueDepth is the number of LLM requests still waiting for an answer,
// pending plus in flight.
type Snapshot struct {
	Jobs        []job.StatusCount  `json:"jobs"`
	Requests    []llmq.StatusCount `json:"requests"`
	QueueDepth  int64              `json:"queue_depth"`
	DeadLetters []dlq.KindCount    `json:"dead_letters"`
	CollectedAt time.Time          `json:"collected_at"`
}

// Collector reads the counters of all three stores.
type Collector struct {
	jobs        JobCounter
	requests    RequestCounter
	deadLetters DeadLetterCounter
}

func NewCollector(jobs JobCounter, requests RequestCounter, deadLetters DeadLetterCounter) *Collector {
	return &Collector{
		jobs:        jobs,
		requests:    requests,
		deadLetters: deadLetters,
	}
}

func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	jobs, err := c.jobs.CountByTypeStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	requests, err := c.requests.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	deadLetters, err := c.deadLetters.CountByKind(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}

	var depth int64
	for _, sc := range requests {
		if sc.Status == llmq.StatusPending || sc.Status == llmq.StatusInFlight {
			depth += sc.Count
		}
	}

	return &Snapshot{
		Jobs:        jobs,
		Requests:    requests,
		QueueDepth:  depth,
		DeadLetters: deadLetters,
		CollectedAt: time.Now().UTC(),
	}, nil
}
