package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// HTTPClassifier sends clips to an external inference service speaking a
// small multipart-POST protocol: the clip file under the "clip" field, a
// JSON body back with label, confidence, and optional behavior.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a classifier client for the given endpoint.
func NewHTTPClassifier(endpoint string) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		// The adapter bounds each call with its own timeout context; the
		// client timeout is only a safety net.
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Classify implements Classifier.
func (h *HTTPClassifier) Classify(ctx context.Context, clipPath string) (Result, error) {
	f, err := os.Open(clipPath)
	if err != nil {
		return Result{}, fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("clip", filepath.Base(clipPath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, pr)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Behavior   string  `json:"behavior"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if out.Label == "" {
		return Result{}, fmt.Errorf("classifier returned empty label")
	}
	return Result{Label: out.Label, Confidence: out.Confidence, Behavior: out.Behavior}, nil
}

// Unconfigured is the classifier used when no endpoint is set. Every call
// fails, so the adapter records each clip as unclassified.
type Unconfigured struct{}

// Classify implements Classifier.
func (Unconfigured) Classify(context.Context, string) (Result, error) {
	return Result{}, fmt.Errorf("no classifier endpoint configured")
}
