package acquisition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-logr/logr"

	"distillery/src/infrastructure/integrations/unstructured"
	"distillery/src/infrastructure/job"
	"distillery/src/log"
	"distillery/src/storage/minioctrl"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
)

// checkpointEvery bounds how many unit uploads happen between
// cancellation checks.
const checkpointEvery = 16

// DocumentStore is the slice of the document service the executor needs.
type DocumentStore interface {
	Create(ctx context.Context, projectID, sourceURL, title, contentType, minioURL, checksum string) (*documentctrl.Document, error)
	GetBySourceURL(ctx context.Context, projectID, sourceURL string) (*documentctrl.Document, error)
}

// UnitStore is the slice of the unit service the executor needs.
type UnitStore interface {
	CreateBatch(ctx context.Context, units []unitctrl.Unit) ([]unitctrl.Unit, error)
}

// RecordStore is read to decide whether a deduplicated document still
// needs its extraction enqueued.
type RecordStore interface {
	GetByDocumentID(ctx context.Context, documentID int64) ([]recordctrl.ExtractionRecord, error)
}

// ObjectStore is the slice of the object storage service the executor
// needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error
}

// Enqueuer submits follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p job.Payload, maxAttempts int) (*job.Job, error)
}

// Partitioner splits binary formats into text elements. Optional; plain
// text and HTML are split in process.
type Partitioner interface {
	Partition(ctx context.Context, filename string, content []byte) ([]unstructured.Element, error)
}

// Result is the acquisition job's result blob.
type Result struct {
	DocumentID      int64  `json:"document_id,omitempty"`
	Units           int    `json:"units,omitempty"`
	UnitsWritten    int    `json:"units_written,omitempty"`
	Bytes           int    `json:"bytes,omitempty"`
	ExtractionJobID string `json:"extraction_job_id,omitempty"`
	Deduplicated    bool   `json:"deduplicated,omitempty"`
}

type ExecutorConfig struct {
	// ChunkSize and ChunkOverlap tune the in-process text splitter.
	ChunkSize    int
	ChunkOverlap int

	// ExtractionMaxAttempts is handed to the follow-up extraction job.
	// Zero means the job service default.
	ExtractionMaxAttempts int
}

// Executor acquires one document: fetch, dedup by checksum, store the
// raw body and its units, then enqueue extraction.
type Executor struct {
	fetcher   Fetcher
	splitter  Splitter
	partition Partitioner
	documents DocumentStore
	units     UnitStore
	records   RecordStore
	objects   ObjectStore
	jobs      Enqueuer
	cfg       ExecutorConfig
}

func NewExecutor(fetcher Fetcher, splitter Splitter, partition Partitioner, documents DocumentStore, units UnitStore, records RecordStore, objects ObjectStore, jobs Enqueuer, cfg ExecutorConfig) *Executor {
	if splitter == nil {
		splitter = NewTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	}
	return &Executor{
		fetcher:   fetcher,
		splitter:  splitter,
		partition: partition,
		documents: documents,
		units:     units,
		records:   records,
		objects:   objects,
		jobs:      jobs,
		cfg:       cfg,
	}
}

func (e *Executor) Type() job.Type {
	return job.TypeAcquisition
}

func (e *Executor) Execute(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
	var p job.AcquisitionPayload
	if err := job.DecodePayload(j, &p); err != nil {
		return nil, job.Terminal(err)
	}
	logger := log.WithName("acquisition").WithValues("job_id", j.ID, "source_url", p.SourceURL)

	existing, err := e.documents.GetBySourceURL(ctx, p.ProjectID, p.SourceURL)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to look up document: %w", err))
	}

	fetched, err := e.fetcher.Fetch(ctx, p.SourceURL)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	checksum := sha256Hex(fetched.Body)

	if existing != nil && existing.Checksum == checksum {
		return e.finishDeduplicated(ctx, logger, existing, &p, len(fetched.Body))
	}

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	title, unitTexts, err := e.breakIntoUnits(ctx, &p, fetched)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = titleFromURL(fetched.FinalURL)
	}

	docObject := p.ProjectID + "/" + checksum
	if err := e.objects.PutObject(ctx, minioctrl.DocumentsBucket, docObject, fetched.Body, fetched.ContentType); err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to store raw document: %w", err))
	}

	written := 0
	for i, text := range unitTexts {
		if i%checkpointEvery == 0 {
			if err := checkpoint(ctx); err != nil {
				partial, _ := json.Marshal(Result{UnitsWritten: written, Bytes: len(fetched.Body)})
				return partial, err
			}
		}
		unitObject := fmt.Sprintf("%s/%s/%04d", p.ProjectID, checksum, i)
		if err := e.objects.PutObject(ctx, minioctrl.UnitsBucket, unitObject, []byte(text), "text/plain"); err != nil {
			return nil, job.Systemic(fmt.Errorf("failed to store unit %d: %w", i, err))
		}
		written++
	}

	doc, err := e.documents.Create(ctx, p.ProjectID, p.SourceURL, title, fetched.ContentType,
		minioctrl.FormatURL(minioctrl.DocumentsBucket, docObject), checksum)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to create document: %w", err))
	}

	rows := make([]unitctrl.Unit, len(unitTexts))
	for i, text := range unitTexts {
		rows[i] = unitctrl.Unit{
			DocumentID: doc.ID,
			Seq:        i,
			MinioURL:   minioctrl.FormatURL(minioctrl.UnitsBucket, fmt.Sprintf("%s/%s/%04d", p.ProjectID, checksum, i)),
			TokenCount: estimateTokens(text),
		}
	}
	if _, err := e.units.CreateBatch(ctx, rows); err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to create units: %w", err))
	}

	extraction, err := e.jobs.Enqueue(ctx, job.ExtractionPayload{
		DocumentID: doc.ID,
		ProjectID:  p.ProjectID,
		Profile:    p.Profile,
	}, e.cfg.ExtractionMaxAttempts)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to enqueue extraction: %w", err))
	}

	logger.Info("Document acquired", "document_id", doc.ID, "units", len(unitTexts), "extraction_job_id", extraction.ID)
	result, err := json.Marshal(Result{
		DocumentID:      doc.ID,
		Units:           len(unitTexts),
		Bytes:           len(fetched.Body),
		ExtractionJobID: extraction.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return result, nil
}

// finishDeduplicated reports the unchanged document. Extraction is
// re-enqueued only when no records exist yet, which heals a previous run
// that crashed between creating the document and enqueueing extraction.
func (e *Executor) finishDeduplicated(ctx context.Context, logger logr.Logger, doc *documentctrl.Document, p *job.AcquisitionPayload, bytes int) (json.RawMessage, error) {
	result := Result{DocumentID: doc.ID, Bytes: bytes, Deduplicated: true}

	records, err := e.records.GetByDocumentID(ctx, doc.ID)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to check extraction records: %w", err))
	}
	if len(records) == 0 {
		extraction, err := e.jobs.Enqueue(ctx, job.ExtractionPayload{
			DocumentID: doc.ID,
			ProjectID:  p.ProjectID,
			Profile:    p.Profile,
		}, e.cfg.ExtractionMaxAttempts)
		if err != nil {
			return nil, job.Systemic(fmt.Errorf("failed to enqueue extraction: %w", err))
		}
		result.ExtractionJobID = extraction.ID
	}

	logger.Info("Document unchanged, skipping acquisition", "document_id", doc.ID)
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, nil
}

// breakIntoUnits turns the fetched body into unit texts. HTML is reduced
// to visible text first; binary formats go through the partitioner.
func (e *Executor) breakIntoUnits(ctx context.Context, p *job.AcquisitionPayload, fetched *FetchResult) (title string, units []string, err error) {
	switch {
	case fetched.ContentType == "application/pdf":
		if e.partition == nil {
			return "", nil, job.Terminal(fmt.Errorf("no partitioner configured for %s", fetched.ContentType))
		}
		elements, err := e.partition.Partition(ctx, path.Base(p.SourceURL), fetched.Body)
		if err != nil {
			return "", nil, fmt.Errorf("failed to partition document: %w", err)
		}
		for _, el := range elements {
			if strings.TrimSpace(el.Text) != "" {
				units = append(units, el.Text)
			}
		}
		return "", units, nil

	case strings.Contains(fetched.ContentType, "html"):
		pageTitle, text := ExtractText(fetched.Body)
		units, err := e.splitter.Split(text)
		if err != nil {
			return "", nil, job.Terminal(fmt.Errorf("failed to split document: %w", err))
		}
		return pageTitle, units, nil

	default:
		units, err := e.splitter.Split(string(fetched.Body))
		if err != nil {
			return "", nil, job.Terminal(fmt.Errorf("failed to split document: %w", err))
		}
		return "", units, nil
	}
}

// classifyFetchError maps client rejections to terminal failures while
// keeping rate limits, timeouts and server trouble retryable.
func classifyFetchError(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code >= 400 && code < 500 &&
			code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return job.Terminal(err)
		}
	}
	return err
}

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func titleFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Path == "" || parsed.Path == "/" {
		return rawURL
	}
	return path.Base(parsed.Path)
}
