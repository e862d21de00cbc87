package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const sidecarMaxBodyBytes = 2 << 20 // 2 MiB (defensive)

type sidecarEmbedRequest struct {
	Texts []string `json:"texts"`
}

type sidecarEmbedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Sidecar calls a local embedding sidecar over HTTP. The sidecar accepts
// POST {base}/embed with {"texts":[...]} and answers {"vectors":[[...]]}
// with one vector per text, in order.
type Sidecar struct {
	baseURL string
	client  *http.Client
}

// NewSidecar builds a client for the sidecar at baseURL.
func NewSidecar(baseURL string) (*Sidecar, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("embed: missing sidecar base url")
	}
	return &Sidecar{
		baseURL: base,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Embed posts all texts in one request and returns vectors in input order.
// An empty input returns nil without a network call.
func (s *Sidecar) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil {
		return nil, errors.New("embed: nil sidecar embedder")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(sidecarEmbedRequest{Texts: texts})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, sidecarMaxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("embedding sidecar failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}

	var decoded sidecarEmbedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid embedding sidecar response")
	}
	if len(decoded.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding sidecar returned %d vectors for %d texts", len(decoded.Vectors), len(texts))
	}
	return decoded.Vectors, nil
}
