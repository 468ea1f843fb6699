package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
	"github.com/synaptica-ai/trialmatch/pkg/gateway/httpclient"
)

// Subject distinguishes the two kinds of entity the embedding service encodes.
type Subject string

const (
	SubjectPatient Subject = "patient"
	SubjectTrial   Subject = "trial"
)

var (
	ErrNotFound       = errors.New("embedding not found")
	ErrEmptyEmbedding = errors.New("embedding service returned an empty vector")
)

// Provider maps a patient or trial id to its fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, subject Subject, id string) ([]float64, error)
}

type embedRequest struct {
	Subject Subject `json:"subject"`
	ID      string  `json:"id"`
}

type embedResponse struct {
	ID        string    `json:"id"`
	Dimension int       `json:"dimension"`
	Vector    []float64 `json:"vector"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPProvider calls the external embedding service.
type HTTPProvider struct {
	client *resty.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration, retries int) *HTTPProvider {
	return &HTTPProvider{client: httpclient.NewResty(strings.TrimRight(baseURL, "/"), timeout, retries)}
}

func (p *HTTPProvider) Embed(ctx context.Context, subject Subject, id string) ([]float64, error) {
	var result embedResponse
	var failure errorResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Subject: subject, ID: id}).
		SetResult(&result).
		SetError(&failure).
		Post("/api/v1/embeddings")
	if err != nil {
		return nil, fmt.Errorf("embedding request for %s %s: %w", subject, id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", subject, id, ErrNotFound)
	case resp.IsError():
		logger.Log.WithFields(map[string]interface{}{
			"subject": subject,
			"id":      id,
			"status":  resp.StatusCode(),
		}).Warn("Embedding service returned an error")
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode(), failure.Error)
	}
	if len(result.Vector) == 0 {
		return nil, fmt.Errorf("%s %s: %w", subject, id, ErrEmptyEmbedding)
	}
	if result.Dimension > 0 && result.Dimension != len(result.Vector) {
		return nil, fmt.Errorf("embedding for %s %s declares %d dimensions but has %d", subject, id, result.Dimension, len(result.Vector))
	}
	return result.Vector, nil
}
