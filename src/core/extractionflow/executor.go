package extractionflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/log"
	"distillery/src/storage/elastic"
	"distillery/src/storage/minioctrl"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
	"distillery/src/storage/weaviate"
)

// UnitExtractor runs one unit of text through the model.
type UnitExtractor interface {
	ExtractUnit(ctx context.Context, profile Profile, unitText string) (*Extraction, error)
}

// DocumentGetter is the slice of the document service the executor needs.
type DocumentGetter interface {
	GetByID(ctx context.Context, id int64) (*documentctrl.Document, error)
}

// UnitLister is the slice of the unit service the executor needs.
type UnitLister interface {
	GetByDocumentID(ctx context.Context, documentID int64) ([]unitctrl.Unit, error)
}

// RecordStore persists extraction outcomes.
type RecordStore interface {
	Create(ctx context.Context, documentID, unitID int64, projectID, profile string, fields json.RawMessage, summary string) (*recordctrl.ExtractionRecord, error)
	GetByDocumentID(ctx context.Context, documentID int64) ([]recordctrl.ExtractionRecord, error)
	MarkArtifactWritten(ctx context.Context, id int64) error
}

// ObjectGetter reads unit text from object storage.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucketName, objectName string) ([]byte, error)
}

// Embedder turns a summary into a vector. Optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ArtifactUpserter writes artifacts into the vector store. Optional.
type ArtifactUpserter interface {
	UpsertArtifact(ctx context.Context, artifact weaviate.Artifact) error
}

// RecordIndexer writes records into the full text index. Optional.
type RecordIndexer interface {
	IndexRecord(ctx context.Context, doc elastic.RecordDoc) error
}

// UnitFailure is one unit that did not extract during this run.
type UnitFailure struct {
	UnitID int64  `json:"unit_id"`
	Seq    int    `json:"seq"`
	Error  string `json:"error"`
}

// Result is the extraction job's result blob.
type Result struct {
	DocumentID int64         `json:"document_id"`
	UnitsTotal int           `json:"units_total"`
	Extracted  int           `json:"extracted"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Failures   []UnitFailure `json:"failures,omitempty"`
}

// Executor extracts structured records from every unit of a document.
// Units that already have a record are skipped, so retries and replays
// only pay for what is missing.
type Executor struct {
	flow      UnitExtractor
	documents DocumentGetter
	units     UnitLister
	records   RecordStore
	objects   ObjectGetter
	embedder  Embedder
	artifacts ArtifactUpserter
	index     RecordIndexer
}

func NewExecutor(flow UnitExtractor, documents DocumentGetter, units UnitLister, records RecordStore, objects ObjectGetter, embedder Embedder, artifacts ArtifactUpserter, index RecordIndexer) *Executor {
	return &Executor{
		flow:      flow,
		documents: documents,
		units:     units,
		records:   records,
		objects:   objects,
		embedder:  embedder,
		artifacts: artifacts,
		index:     index,
	}
}

func (e *Executor) Type() job.Type {
	return job.TypeExtraction
}

func (e *Executor) Execute(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
	var p job.ExtractionPayload
	if err := job.DecodePayload(j, &p); err != nil {
		return nil, job.Terminal(err)
	}
	logger := log.WithName("extraction").WithValues("job_id", j.ID, "document_id", p.DocumentID)

	doc, err := e.documents.GetByID(ctx, p.DocumentID)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to load document: %w", err))
	}
	if doc == nil {
		return nil, job.Terminal(fmt.Errorf("document %d not found", p.DocumentID))
	}

	units, err := e.units.GetByDocumentID(ctx, p.DocumentID)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to load units: %w", err))
	}
	if len(units) == 0 {
		return nil, job.Terminal(fmt.Errorf("document %d has no units", p.DocumentID))
	}

	existing, err := e.records.GetByDocumentID(ctx, p.DocumentID)
	if err != nil {
		return nil, job.Systemic(fmt.Errorf("failed to load extraction records: %w", err))
	}
	recorded := make(map[int64]bool, len(existing))
	for _, rec := range existing {
		recorded[rec.UnitID] = true
	}

	profile := ProfileByName(p.Profile)
	result := Result{DocumentID: p.DocumentID, UnitsTotal: len(units)}

	for i := range units {
		unit := &units[i]
		if recorded[unit.ID] {
			result.Skipped++
			continue
		}

		if err := checkpoint(ctx); err != nil {
			partial, _ := json.Marshal(result)
			return partial, err
		}

		if err := e.extractUnit(ctx, doc, unit, profile, &result); err != nil {
			return nil, err
		}
	}

	if result.Extracted == 0 && result.Failed > 0 {
		// Nothing made it through this attempt. Charge it and let the
		// scheduler retry; records from earlier attempts stay skipped.
		return nil, fmt.Errorf("extraction failed for all %d remaining units", result.Failed)
	}

	logger.Info("Extraction finished",
		"units", result.UnitsTotal,
		"extracted", result.Extracted,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, nil
}

// extractUnit runs one unit end to end. It returns an error only when the
// whole job must stop; a unit-level failure lands in the result instead.
func (e *Executor) extractUnit(ctx context.Context, doc *documentctrl.Document, unit *unitctrl.Unit, profile Profile, result *Result) error {
	bucket, object := minioctrl.SplitURL(unit.MinioURL)
	if bucket == "" {
		e.failUnit(result, unit, fmt.Errorf("malformed unit object url %q", unit.MinioURL))
		return nil
	}
	text, err := e.objects.GetObject(ctx, bucket, object)
	if err != nil {
		return job.Systemic(fmt.Errorf("failed to load text of unit %d: %w", unit.ID, err))
	}

	ex, err := e.flow.ExtractUnit(ctx, profile, string(text))
	if err != nil {
		return e.handleExtractError(ctx, unit, err, result)
	}

	fields, err := ex.FieldsJSON()
	if err != nil {
		e.failUnit(result, unit, err)
		return nil
	}
	record, err := e.records.Create(ctx, doc.ID, unit.ID, doc.ProjectID, profile.Name, fields, ex.Summary)
	if err != nil {
		return job.Systemic(fmt.Errorf("failed to create extraction record: %w", err))
	}
	result.Extracted++

	e.writeArtifact(ctx, doc, unit, record, ex)
	return nil
}

// handleExtractError decides whether a failed model call stops the job.
// A terminal queue outcome only kills this unit; the dead lettered
// request stays replayable. A stalled queue puts the whole job back.
func (e *Executor) handleExtractError(ctx context.Context, unit *unitctrl.Unit, err error, result *Result) error {
	if ctx.Err() != nil {
		return err
	}

	var reqErr *llmq.RequestError
	switch {
	case errors.As(err, &reqErr):
		e.failUnit(result, unit, err)
		return nil
	case errors.Is(err, llmq.ErrAwaitTimeout):
		return fmt.Errorf("unit %d: %w", unit.ID, err)
	default:
		// Unparseable replies and rejected submissions stay with the
		// unit; a later replay or re-run picks them up.
		e.failUnit(result, unit, err)
		return nil
	}
}

func (e *Executor) failUnit(result *Result, unit *unitctrl.Unit, err error) {
	result.Failed++
	result.Failures = append(result.Failures, UnitFailure{
		UnitID: unit.ID,
		Seq:    unit.Seq,
		Error:  err.Error(),
	})
	log.Error(err, "Unit extraction failed", "unit_id", unit.ID, "seq", unit.Seq)
}

// writeArtifact pushes a fresh record into the vector store and the full
// text index. Failures here are logged and left behind; the record is
// already durable and artifact_written stays false until a run gets all
// configured sinks to take it.
func (e *Executor) writeArtifact(ctx context.Context, doc *documentctrl.Document, unit *unitctrl.Unit, record *recordctrl.ExtractionRecord, ex *Extraction) {
	if e.artifacts == nil && e.index == nil {
		return
	}

	if e.artifacts != nil {
		var vector []float32
		if e.embedder != nil {
			v, err := e.embedder.Embed(ctx, ex.Summary)
			if err != nil {
				log.Error(err, "Failed to embed summary", "record_id", record.ID)
				return
			}
			vector = v
		}
		if err := e.artifacts.UpsertArtifact(ctx, weaviate.Artifact{
			RecordID:   record.ID,
			DocumentID: doc.ID,
			UnitID:     unit.ID,
			ProjectID:  doc.ProjectID,
			Profile:    record.Profile,
			Summary:    ex.Summary,
			Fields:     string(record.Fields),
			Vector:     vector,
		}); err != nil {
			log.Error(err, "Failed to upsert artifact", "record_id", record.ID)
			return
		}
	}

	if e.index != nil {
		if err := e.index.IndexRecord(ctx, elastic.RecordDoc{
			RecordID:   strconv.FormatInt(record.ID, 10),
			DocumentID: strconv.FormatInt(doc.ID, 10),
			UnitID:     strconv.FormatInt(unit.ID, 10),
			ProjectID:  doc.ProjectID,
			Profile:    record.Profile,
			Summary:    ex.Summary,
			Fields:     record.Fields,
			FieldsText: ex.FieldsText(),
		}); err != nil {
			log.Error(err, "Failed to index record", "record_id", record.ID)
			return
		}
	}

	if err := e.records.MarkArtifactWritten(ctx, record.ID); err != nil {
		log.Error(err, "Failed to mark artifact written", "record_id", record.ID)
	}
}
