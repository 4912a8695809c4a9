package unstructured

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"distillery/src/log"
)

// PartitionService splits binary documents (PDF and friends) into text
// elements through an unstructured-io server.
type PartitionService struct {
	baseURL    string
	httpClient *http.Client
}

type Element struct {
	Type      string   `json:"type"`
	Text      string   `json:"text"`
	ElementID string   `json:"element_id"`
	Metadata  Metadata `json:"metadata"`
}

type Metadata struct {
	Filename   string `json:"filename,omitempty"`
	Filetype   string `json:"filetype,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
	TableHTML  string `json:"table_html,omitempty"`
}

func NewPartitionService(baseURL string) *PartitionService {
	return &PartitionService{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Partition sends the document to the partitioning server and returns
// its chunked elements. Chunks are grouped by title and capped so each
// element fits in one extraction unit.
func (s *PartitionService) Partition(ctx context.Context, filename string, content []byte) ([]Element, error) {
	var requestBody bytes.Buffer
	multipartWriter := multipart.NewWriter(&requestBody)

	fileWriter, err := multipartWriter.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %v", err)
	}
	if _, err = io.Copy(fileWriter, bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("failed to write file content: %v", err)
	}

	fields := map[string]string{
		"chunking_strategy":     "by_title",
		"max_characters":        "5000",
		"combine_under_n_chars": "3500",
		"output_format":         "application/json",
	}
	for name, value := range fields {
		if err := multipartWriter.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %v", name, err)
		}
	}

	multipartWriter.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/general/v0/general", &requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", multipartWriter.FormDataContentType())

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error(fmt.Errorf("partition service returned %s", resp.Status), "Failed to partition document",
			"filename", filename, "response", string(body))
		return nil, fmt.Errorf("partition service error: %s", resp.Status)
	}

	var elements []Element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v", err)
	}

	return elements, nil
}
