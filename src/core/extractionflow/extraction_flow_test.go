package extractionflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"distillery/src/core/extractionflow"
	"distillery/src/infrastructure/integrations/ollama"
	"distillery/src/infrastructure/llmq"
)

const validReply = `{"summary":"The passage describes a spring loaded relief valve.","fields":{"product":"relief valve","model_numbers":["RV-20","RV-25"]}}`

type captureRequester struct {
	prompt      string
	parameters  json.RawMessage
	maxAttempts int
	reply       string
	err         error
}

func (r *captureRequester) SubmitAndWait(_ context.Context, prompt string, parameters json.RawMessage, maxAttempts int) (string, error) {
	r.prompt = prompt
	r.parameters = parameters
	r.maxAttempts = maxAttempts
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func TestExtractUnitBuildsPromptAndParsesReply(t *testing.T) {
	requester := &captureRequester{reply: validReply}
	flow := extractionflow.NewExtractionFlow(requester,
		extractionflow.WithModel("extractor-7b"),
		extractionflow.WithMaxAttempts(2),
	)
	profile := extractionflow.ProfileByName("datasheet")

	ex, err := flow.ExtractUnit(context.Background(), profile, "The RV-20 relief valve opens at 10 bar.")
	if err != nil {
		t.Fatalf("ExtractUnit: %v", err)
	}

	if !strings.Contains(requester.prompt, "The RV-20 relief valve opens at 10 bar.") {
		t.Error("prompt lost the unit text")
	}
	if !strings.Contains(requester.prompt, `"model_numbers"`) {
		t.Error("prompt lost the profile's field list")
	}
	if !strings.Contains(requester.prompt, profile.Instructions) {
		t.Error("prompt lost the profile instructions")
	}
	if requester.maxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", requester.maxAttempts)
	}

	var params ollama.Parameters
	if err := json.Unmarshal(requester.parameters, &params); err != nil {
		t.Fatalf("unmarshal parameters: %v", err)
	}
	if params.Model != "extractor-7b" {
		t.Errorf("model = %q, want extractor-7b", params.Model)
	}
	if !strings.Contains(params.System, "information extraction engine") {
		t.Errorf("system message = %q", params.System)
	}

	if ex.Summary != "The passage describes a spring loaded relief valve." {
		t.Errorf("summary = %q", ex.Summary)
	}
	if string(ex.Fields["product"]) != `"relief valve"` {
		t.Errorf("product field = %s", ex.Fields["product"])
	}
}

func TestExtractUnitPassesQueueErrorsThrough(t *testing.T) {
	queueErr := &llmq.RequestError{RequestID: "req-1", Status: llmq.StatusTimedOut, Message: "attempt budget exhausted"}
	requester := &captureRequester{err: queueErr}
	flow := extractionflow.NewExtractionFlow(requester)

	_, err := flow.ExtractUnit(context.Background(), extractionflow.ProfileByName("general"), "text")

	var reqErr *llmq.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("ExtractUnit = %v, want the RequestError preserved", err)
	}
	if reqErr.Status != llmq.StatusTimedOut {
		t.Errorf("status = %q, want timed_out", reqErr.Status)
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		summary string
		wantErr bool
	}{
		{
			name:    "bare object",
			reply:   validReply,
			summary: "The passage describes a spring loaded relief valve.",
		},
		{
			name:    "fenced",
			reply:   "```json\n" + validReply + "\n```",
			summary: "The passage describes a spring loaded relief valve.",
		},
		{
			name:    "prose wrapped",
			reply:   "Here is the extraction you asked for:\n" + validReply + "\nLet me know if you need anything else.",
			summary: "The passage describes a spring loaded relief valve.",
		},
		{
			name:    "no summary",
			reply:   `{"fields":{"product":"valve"}}`,
			wantErr: true,
		},
		{
			name:    "no json at all",
			reply:   "I cannot extract anything from this passage.",
			wantErr: true,
		},
		{
			name:    "broken json",
			reply:   `{"summary": "half a`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex, err := extractionflow.ParseReply(tc.reply)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseReply(%q) succeeded, want error", tc.reply)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReply: %v", err)
			}
			if ex.Summary != tc.summary {
				t.Errorf("summary = %q, want %q", ex.Summary, tc.summary)
			}
		})
	}
}

func TestFieldsTextFlattensValues(t *testing.T) {
	ex := &extractionflow.Extraction{
		Summary: "s",
		Fields: map[string]json.RawMessage{
			"product":       json.RawMessage(`"relief valve"`),
			"model_numbers": json.RawMessage(`["RV-20","RV-25"]`),
			"manufacturer":  json.RawMessage(`null`),
		},
	}

	text := ex.FieldsText()
	if !strings.Contains(text, "product relief valve") {
		t.Errorf("fields text %q lost the product", text)
	}
	if !strings.Contains(text, "model_numbers RV-20 RV-25") {
		t.Errorf("fields text %q lost the model numbers", text)
	}
	if strings.Contains(text, "manufacturer") {
		t.Errorf("fields text %q includes a null field", text)
	}
	if strings.ContainsAny(text, `"[]{}`) {
		t.Errorf("fields text %q kept JSON syntax", text)
	}
}

func TestProfileByNameFallsBack(t *testing.T) {
	p := extractionflow.ProfileByName("no-such-profile")
	if p.Name != extractionflow.DefaultProfile {
		t.Errorf("profile = %q, want the default", p.Name)
	}
	if len(p.Fields) == 0 {
		t.Error("default profile has no fields")
	}
}
