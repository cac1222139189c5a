package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/judgemyjpeg/jmj/internal/storage"
)

const maxErrorBody = 4 << 10

// HTTPSubmitter posts queued submissions to the analysis endpoint as
// multipart form data.
type HTTPSubmitter struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSubmitter creates a submitter for endpoint. apiKey may be empty.
func NewHTTPSubmitter(endpoint, apiKey string, httpClient *http.Client) *HTTPSubmitter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPSubmitter{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}
}

// Submit sends one item. Any non-2xx response is an error.
func (s *HTTPSubmitter) Submit(ctx context.Context, item storage.QueueItem) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := item.Metadata.Filename
	if filename == "" {
		filename = item.ID + ".jpg"
	}
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(item.Payload); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	for k, v := range map[string]string{
		"tone":     item.Metadata.Tone,
		"language": item.Metadata.Language,
		"queue_id": item.ID,
	} {
		if err := mw.WriteField(k, v); err != nil {
			return fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting submission: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
