package acquisition

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"distillery/src/infrastructure/job"
	"distillery/src/log"
)

// DefaultMaxPages bounds a crawl when the payload leaves MaxPages unset.
const DefaultMaxPages = 10

// CrawlResult is the crawl job's result blob.
type CrawlResult struct {
	Pages      int `json:"pages"`
	Discovered int `json:"discovered"`
	Enqueued   int `json:"enqueued"`
	Skipped    int `json:"skipped"`
}

// CrawlExecutor walks a listing page, follows rel=next pagination, and
// enqueues an acquisition job per link not seen before.
type CrawlExecutor struct {
	fetcher   Fetcher
	documents DocumentStore
	jobs      Enqueuer

	// AcquisitionMaxAttempts is handed to enqueued acquisition jobs.
	// Zero means the job service default.
	AcquisitionMaxAttempts int
}

func NewCrawlExecutor(fetcher Fetcher, documents DocumentStore, jobs Enqueuer) *CrawlExecutor {
	return &CrawlExecutor{
		fetcher:   fetcher,
		documents: documents,
		jobs:      jobs,
	}
}

func (e *CrawlExecutor) Type() job.Type {
	return job.TypeCrawl
}

func (e *CrawlExecutor) Execute(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
	var p job.CrawlPayload
	if err := job.DecodePayload(j, &p); err != nil {
		return nil, job.Terminal(err)
	}
	logger := log.WithName("crawl").WithValues("job_id", j.ID, "list_url", p.ListURL)

	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	result := CrawlResult{}
	seen := map[string]bool{}
	pageURL := p.ListURL
	for pageURL != "" && result.Pages < maxPages {
		if result.Pages > 0 {
			if err := checkpoint(ctx); err != nil {
				partial, _ := json.Marshal(result)
				return partial, err
			}
		}

		fetched, err := e.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if result.Pages == 0 {
				return nil, classifyFetchError(err)
			}
			// Pagination broke mid-crawl. Keep what we found.
			log.Error(err, "Failed to fetch crawl page", "page_url", pageURL)
			break
		}
		result.Pages++

		base, err := url.Parse(fetched.FinalURL)
		if err != nil {
			return nil, job.Terminal(fmt.Errorf("failed to parse page url: %w", err))
		}
		links, next := ExtractLinks(fetched.Body, base)

		for _, link := range links {
			if seen[link] {
				continue
			}
			seen[link] = true
			result.Discovered++

			existing, err := e.documents.GetBySourceURL(ctx, p.ProjectID, link)
			if err != nil {
				return nil, job.Systemic(fmt.Errorf("failed to look up document: %w", err))
			}
			if existing != nil {
				result.Skipped++
				continue
			}

			if _, err := e.jobs.Enqueue(ctx, job.AcquisitionPayload{
				SourceURL: link,
				ProjectID: p.ProjectID,
				Profile:   p.Profile,
			}, e.AcquisitionMaxAttempts); err != nil {
				return nil, job.Systemic(fmt.Errorf("failed to enqueue acquisition: %w", err))
			}
			result.Enqueued++
		}

		pageURL = next
	}

	logger.Info("Crawl finished", "pages", result.Pages, "discovered", result.Discovered, "enqueued", result.Enqueued, "skipped", result.Skipped)
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, nil
}
