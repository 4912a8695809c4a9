package acquisition

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// FetchResult carries a fetched document body together with the
// transport metadata needed for dedup and storage.
type FetchResult struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// Fetcher retrieves one document by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// StatusError reports a non-2xx fetch. Executors use the code to decide
// between terminal and retryable failures.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// HTTPFetcher fetches documents over plain HTTP with a size cap.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewHTTPFetcher(client *http.Client, userAgent string, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("document %s exceeds the %d byte limit", url, f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mediaType
		}
	}

	return &FetchResult{
		Body:        body,
		ContentType: contentType,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}
