// Package nli is the HTTP client for the natural-language-inference sidecar
// that scores premise/hypothesis pairs for the semantic analyzer.
package nli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/spectyra/spectyra-core/internal/semantic"
)

const (
	// maxPairsPerRequest caps one sidecar request; larger batches are
	// chunked and reassembled in order.
	maxPairsPerRequest = 100

	maxBodyBytes = 2 << 20 // 2 MiB (defensive)

	defaultAttempts       = 3
	defaultAttemptTimeout = 10 * time.Second
)

type classifyRequest struct {
	Pairs []semantic.NLIPair `json:"pairs"`
}

type classifyResponse struct {
	Results []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
}

// Options configure the sidecar client.
type Options struct {
	// Attempts bounds per-chunk request attempts; <= 0 means 3.
	Attempts int
	// AttemptTimeout is the per-attempt deadline; <= 0 means 10s.
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Client classifies premise/hypothesis batches against the NLI sidecar. A
// chunk whose attempts are exhausted degrades to neutral zero-confidence
// results, so a sidecar outage weakens the graph instead of aborting the
// turn.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	attempts       int
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// New builds a client for the sidecar at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("nli: missing sidecar base url")
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        base,
		httpClient:     &http.Client{},
		attempts:       attempts,
		attemptTimeout: attemptTimeout,
		logger:         logger,
	}, nil
}

// ClassifyBatch scores pairs in input order, splitting the batch into chunks
// of at most 100 pairs. Sidecar failure degrades the affected chunk to
// neutral; caller cancellation still aborts.
func (c *Client) ClassifyBatch(ctx context.Context, pairs []semantic.NLIPair) ([]semantic.NLIResult, error) {
	if c == nil {
		return nil, errors.New("nli: nil client")
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make([]semantic.NLIResult, 0, len(pairs))
	for start := 0; start < len(pairs); start += maxPairsPerRequest {
		end := start + maxPairsPerRequest
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]
		results, err := c.classifyChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("nli chunk degraded to neutral", "pairs", len(chunk), "error", err)
			results = neutralResults(len(chunk))
		}
		out = append(out, results...)
	}
	return out, nil
}

func (c *Client) classifyChunk(ctx context.Context, pairs []semantic.NLIPair) ([]semantic.NLIResult, error) {
	payload, err := json.Marshal(classifyRequest{Pairs: pairs})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := c.post(ctx, payload, len(pairs))
		if err == nil {
			return results, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// post performs one attempt against the sidecar with its own deadline.
func (c *Client) post(ctx context.Context, payload []byte, want int) ([]semantic.NLIResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"/nli", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("nli sidecar failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}

	var decoded classifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid nli sidecar response")
	}
	if len(decoded.Results) != want {
		return nil, fmt.Errorf("nli sidecar returned %d results for %d pairs", len(decoded.Results), want)
	}

	out := make([]semantic.NLIResult, want)
	for i, item := range decoded.Results {
		out[i] = semantic.NLIResult{
			Label:      normalizeLabel(item.Label),
			Confidence: clampConfidence(item.Confidence),
		}
	}
	return out, nil
}

// normalizeLabel maps sidecar labels onto the three-way verdict; anything
// unrecognized counts as neutral.
func normalizeLabel(raw string) semantic.NLILabel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "entailment":
		return semantic.NLIEntailment
	case "contradiction":
		return semantic.NLIContradiction
	default:
		return semantic.NLINeutral
	}
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// neutralResults is the degraded verdict for a chunk the sidecar never
// answered: unknown polarity, zero confidence.
func neutralResults(n int) []semantic.NLIResult {
	out := make([]semantic.NLIResult, n)
	for i := range out {
		out[i] = semantic.NLIResult{Label: semantic.NLINeutral}
	}
	return out
}
