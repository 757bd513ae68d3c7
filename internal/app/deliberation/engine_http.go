package deliberation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amicus-app/courtroom/pkg/logger"
)

// HTTPEngine calls a remote deliberation service over HTTP.
type HTTPEngine struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

var _ Engine = (*HTTPEngine)(nil)

// NewHTTPEngine constructs an engine client for the given endpoint.
func NewHTTPEngine(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPEngine, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("engine endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse engine endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("deliberation-http")
	}
	return &HTTPEngine{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (e *HTTPEngine) Deliberate(ctx context.Context, payload Payload) (Result, error) {
	return e.post(ctx, "/deliberate", payload)
}

func (e *HTTPEngine) SynthesizeHybrid(ctx context.Context, payload HybridPayload) (Result, error) {
	return e.post(ctx, "/hybrid", payload)
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload interface{}) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode engine payload: %w", err)
	}

	requestURL := *e.endpoint
	requestURL.Path = strings.TrimRight(requestURL.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("engine status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode engine response: %w", err)
	}
	return result, nil
}
