package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client implements Provider over HTTP for both supported wire formats.
type Client struct {
	cfg    Config
	http   *http.Client
	learnt atomic.Int64 // dimension observed on the first successful call
}

// New creates an embedding client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: 60 * time.Second}}
}

type openAIRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	if c.cfg.format() == FormatOllama {
		out = make([][]float32, 0, len(texts))
		for _, text := range texts {
			var resp ollamaResponse
			if err := c.post(ctx, "/api/embeddings", ollamaRequest{Model: c.cfg.Model, Prompt: text}, &resp); err != nil {
				return nil, err
			}
			out = append(out, resp.Embedding)
		}
	} else {
		var resp openAIResponse
		if err := c.post(ctx, "/embeddings", openAIRequest{Model: c.cfg.Model, Input: texts}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
		}
		out = make([][]float32, len(texts))
		for i, d := range resp.Data {
			idx := d.Index
			if idx < 0 || idx >= len(out) || out[idx] != nil {
				idx = i
			}
			out[idx] = d.Embedding
		}
	}

	if len(out) > 0 && len(out[0]) > 0 {
		c.learnt.CompareAndSwap(0, int64(len(out[0])))
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, into interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("embedding: status %d: %s", resp.StatusCode, respBody)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// Dimension returns the vector size seen on the first successful call, or the
// configured value before that.
func (c *Client) Dimension() int {
	if d := c.learnt.Load(); d > 0 {
		return int(d)
	}
	return c.cfg.Dimension
}
