package acquisition_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"distillery/src/core/acquisition"
	"distillery/src/infrastructure/job"
	"distillery/src/storage/postgres/documentctrl"
)

func listingPage(next string, hrefs ...string) string {
	page := `<html><head><title>Catalog</title>`
	if next != "" {
		page += `<link rel="next" href="` + next + `">`
	}
	page += `</head><body><ul>`
	for _, href := range hrefs {
		page += `<li><a href="` + href + `">item</a></li>`
	}
	page += `</ul></body></html>`
	return page
}

func crawlJob(t *testing.T, p job.CrawlPayload) *job.Job {
	t.Helper()
	raw, err := job.EncodePayload(p)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return &job.Job{ID: "job-crawl-1", Type: job.TypeCrawl, Payload: raw, MaxAttempts: 3}
}

func listAcquisitionURLs(t *testing.T, repo *job.MemoryRepository) []string {
	t.Helper()
	jobs, err := repo.List(context.Background(), job.ListFilter{Type: job.TypeAcquisition, Limit: 100})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var urls []string
	for i := range jobs {
		var p job.AcquisitionPayload
		if err := job.DecodePayload(&jobs[i], &p); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		urls = append(urls, p.SourceURL)
	}
	return urls
}

func TestCrawlEnqueuesDiscoveredLinks(t *testing.T) {
	const listURL = "https://example.com/catalog"
	w := newWorld(t, htmlFetcher(listURL, listingPage("", "/docs/a", "/docs/b", "/docs/c", "/docs/b")))

	// /docs/b is already acquired.
	w.documents.byKey[docKey("proj-1", "https://example.com/docs/b")] = &documentctrl.Document{
		ID: 7, ProjectID: "proj-1", SourceURL: "https://example.com/docs/b",
	}

	executor := acquisition.NewCrawlExecutor(w.fetcher, w.documents, w.jobs)
	raw, err := executor.Execute(context.Background(), crawlJob(t, job.CrawlPayload{
		ListURL: listURL, ProjectID: "proj-1", Profile: "datasheet",
	}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result acquisition.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Pages != 1 {
		t.Errorf("pages = %d, want 1", result.Pages)
	}
	if result.Discovered != 3 {
		t.Errorf("discovered = %d, want 3 distinct links", result.Discovered)
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 already-acquired link", result.Skipped)
	}
	if result.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", result.Enqueued)
	}

	urls := listAcquisitionURLs(t, w.jobRepo)
	if len(urls) != 2 {
		t.Fatalf("%d acquisition jobs, want 2: %v", len(urls), urls)
	}
	for _, u := range urls {
		if u != "https://example.com/docs/a" && u != "https://example.com/docs/c" {
			t.Errorf("unexpected acquisition url %q", u)
		}
	}
}

func TestCrawlFollowsPaginationUpToMaxPages(t *testing.T) {
	w := newWorld(t, &fakeFetcher{results: map[string]*acquisition.FetchResult{
		"https://example.com/catalog": {
			Body:        []byte(listingPage("/catalog?page=2", "/docs/a")),
			ContentType: "text/html",
			FinalURL:    "https://example.com/catalog",
		},
		"https://example.com/catalog?page=2": {
			Body:        []byte(listingPage("/catalog?page=3", "/docs/b", "/docs/a")),
			ContentType: "text/html",
			FinalURL:    "https://example.com/catalog?page=2",
		},
		"https://example.com/catalog?page=3": {
			Body:        []byte(listingPage("", "/docs/c")),
			ContentType: "text/html",
			FinalURL:    "https://example.com/catalog?page=3",
		},
	}})

	executor := acquisition.NewCrawlExecutor(w.fetcher, w.documents, w.jobs)
	raw, err := executor.Execute(context.Background(), crawlJob(t, job.CrawlPayload{
		ListURL: "https://example.com/catalog", ProjectID: "proj-1", MaxPages: 2,
	}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result acquisition.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Pages != 2 {
		t.Errorf("pages = %d, want the 2-page cap", result.Pages)
	}
	if w.fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", w.fetcher.calls)
	}
	// /docs/a appears on both pages but is enqueued once.
	if result.Discovered != 2 || result.Enqueued != 2 {
		t.Errorf("discovered/enqueued = %d/%d, want 2/2", result.Discovered, result.Enqueued)
	}
}

func TestCrawlCancelledBetweenPagesKeepsProgress(t *testing.T) {
	w := newWorld(t, &fakeFetcher{results: map[string]*acquisition.FetchResult{
		"https://example.com/catalog": {
			Body:        []byte(listingPage("/catalog?page=2", "/docs/a")),
			ContentType: "text/html",
			FinalURL:    "https://example.com/catalog",
		},
		"https://example.com/catalog?page=2": {
			Body:        []byte(listingPage("", "/docs/b")),
			ContentType: "text/html",
			FinalURL:    "https://example.com/catalog?page=2",
		},
	}})

	executor := acquisition.NewCrawlExecutor(w.fetcher, w.documents, w.jobs)
	raw, err := executor.Execute(context.Background(), crawlJob(t, job.CrawlPayload{
		ListURL: "https://example.com/catalog", ProjectID: "proj-1",
	}), cancelAfter(0))
	if !errors.Is(err, job.ErrCancelled) {
		t.Fatalf("Execute = %v, want ErrCancelled", err)
	}

	var result acquisition.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal partial result: %v", err)
	}
	if result.Pages != 1 {
		t.Errorf("pages = %d, want 1 before the cancellation", result.Pages)
	}
	if result.Enqueued != 1 {
		t.Errorf("enqueued = %d, want page 1's link kept", result.Enqueued)
	}
	if urls := listAcquisitionURLs(t, w.jobRepo); len(urls) != 1 || urls[0] != "https://example.com/docs/a" {
		t.Errorf("acquisition jobs = %v, want page 1's only", urls)
	}
}

func TestCrawlFirstPageRejectionIsTerminal(t *testing.T) {
	const listURL = "https://example.com/catalog"
	w := newWorld(t, &fakeFetcher{errs: map[string]error{
		listURL: &acquisition.StatusError{URL: listURL, StatusCode: 403},
	}})

	executor := acquisition.NewCrawlExecutor(w.fetcher, w.documents, w.jobs)
	_, err := executor.Execute(context.Background(), crawlJob(t, job.CrawlPayload{
		ListURL: listURL, ProjectID: "proj-1",
	}), noCheckpoint)
	if !job.IsTerminal(err) {
		t.Fatalf("403 listing = %v, want terminal", err)
	}
}

func TestCrawlPaginationBreakKeepsEarlierPages(t *testing.T) {
	w := newWorld(t, &fakeFetcher{
		results: map[string]*acquisition.FetchResult{
			"https://example.com/catalog": {
				Body:        []byte(listingPage("/catalog?page=2", "/docs/a")),
				ContentType: "text/html",
				FinalURL:    "https://example.com/catalog",
			},
		},
		errs: map[string]error{
			"https://example.com/catalog?page=2": &acquisition.StatusError{
				URL: "https://example.com/catalog?page=2", StatusCode: 502,
			},
		},
	})

	executor := acquisition.NewCrawlExecutor(w.fetcher, w.documents, w.jobs)
	raw, err := executor.Execute(context.Background(), crawlJob(t, job.CrawlPayload{
		ListURL: "https://example.com/catalog", ProjectID: "proj-1",
	}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var result acquisition.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Pages != 1 || result.Enqueued != 1 {
		t.Errorf("pages/enqueued = %d/%d, want 1/1 from the page that loaded", result.Pages, result.Enqueued)
	}
}
