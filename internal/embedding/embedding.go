// Package embedding turns text into vectors for the knowledge base.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Wire formats understood by Client.
const (
	FormatOpenAI = "openai" // POST {endpoint}/embeddings with a batch of inputs
	FormatOllama = "ollama" // POST {endpoint}/api/embeddings, one prompt per call
)

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // openai|ollama; "api" and "local" are accepted aliases
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

func (c Config) format() string {
	switch c.Provider {
	case "local", FormatOllama:
		return FormatOllama
	default:
		return FormatOpenAI
	}
}
