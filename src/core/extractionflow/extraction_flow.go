package extractionflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"distillery/src/infrastructure/integrations/ollama"
	"distillery/src/infrastructure/llmq"
	"distillery/src/log"
)

// Requester is the producer side of the LLM request queue.
type Requester interface {
	SubmitAndWait(ctx context.Context, prompt string, parameters json.RawMessage, maxAttempts int) (string, error)
}

// TemplateData holds all the data needed for template execution
type TemplateData struct {
	UnitText     string
	Instructions string
	FieldList    string
}

// Extraction is the parsed model output for one unit.
type Extraction struct {
	Summary string                     `json:"summary"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// FieldsJSON returns the fields as a single blob for storage.
func (e *Extraction) FieldsJSON() (json.RawMessage, error) {
	if len(e.Fields) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	return raw, nil
}

var fieldsTextReplacer = strings.NewReplacer(
	`"`, " ", "{", " ", "}", " ", "[", " ", "]", " ", ":", " ", ",", " ",
)

// FieldsText flattens the field values into one searchable string, in
// stable key order.
func (e *Extraction) FieldsText() string {
	if len(e.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		raw := string(e.Fields[k])
		if raw == "null" || raw == "" {
			continue
		}
		sb.WriteString(k)
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(strings.Fields(fieldsTextReplacer.Replace(raw)), " "))
		sb.WriteByte('\n')
	}
	return strings.TrimSpace(sb.String())
}

type ExtractionFlow struct {
	requests    Requester
	model       string
	maxAttempts int
}

func NewExtractionFlow(requests Requester, opts ...Option) *ExtractionFlow {
	ef := &ExtractionFlow{
		requests: requests,
	}

	for _, opt := range opts {
		opt(ef)
	}

	return ef
}

type Option func(ef *ExtractionFlow)

// WithModel pins the model instead of the backend default.
func WithModel(model string) Option {
	return func(ef *ExtractionFlow) {
		ef.model = model
	}
}

// WithMaxAttempts overrides the queue's default attempt budget per unit.
func WithMaxAttempts(maxAttempts int) Option {
	return func(ef *ExtractionFlow) {
		ef.maxAttempts = maxAttempts
	}
}

// ExtractUnit runs one unit of text through the request queue and parses
// the reply. The call blocks until the queue stores an outcome for the
// request.
func (ef *ExtractionFlow) ExtractUnit(ctx context.Context, profile Profile, unitText string) (*Extraction, error) {
	system, prompt, err := ef.executeTemplates(
		ExtractionSystemMessageTmpl,
		ExtractionPromptTmpl,
		TemplateData{
			UnitText:     unitText,
			Instructions: profile.Instructions,
			FieldList:    fieldList(profile.Fields),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare extraction templates: %w", err)
	}

	parameters, err := llmq.EncodeParameters(ollama.Parameters{Model: ef.model, System: system})
	if err != nil {
		return nil, err
	}

	log.Debug("extraction request", "profile", profile.Name, "prompt_bytes", len(prompt))
	reply, err := ef.requests.SubmitAndWait(ctx, prompt, parameters, ef.maxAttempts)
	if err != nil {
		return nil, err
	}
	log.Debug("extraction reply", "profile", profile.Name, "reply_bytes", len(reply))

	return ParseReply(reply)
}

func (ef *ExtractionFlow) executeTemplates(systemTmpl, promptTmpl string, data TemplateData) (string, string, error) {
	var systemBuf, promptBuf bytes.Buffer

	sysT := template.Must(template.New("system").Parse(systemTmpl))
	if err := sysT.Execute(&systemBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute system template: %w", err)
	}

	prmptT := template.Must(template.New("prompt").Parse(promptTmpl))
	if err := prmptT.Execute(&promptBuf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute prompt template: %w", err)
	}

	return strings.TrimSpace(systemBuf.String()), strings.TrimSpace(promptBuf.String()), nil
}

func fieldList(fields []FieldSpec) string {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString("  \"")
		sb.WriteString(f.Name)
		sb.WriteString("\": ")
		sb.WriteString(f.Description)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ParseReply parses the model's JSON reply. Models wrap the object in
// markdown fences or prose often enough that the parser slices out the
// outermost object before unmarshalling.
func ParseReply(reply string) (*Extraction, error) {
	cleaned := strings.TrimSpace(reply)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("reply contains no JSON object: %q", truncate(cleaned, 120))
	}

	var ex Extraction
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &ex); err != nil {
		return nil, fmt.Errorf("failed to parse extraction reply: %w", err)
	}
	if strings.TrimSpace(ex.Summary) == "" {
		return nil, errors.New("extraction reply has no summary")
	}
	return &ex, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
