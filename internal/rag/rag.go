// Package rag provides retrieval over the reference knowledge base: past case
// studies, product datasheets and regulatory limits.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/embedding"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/vectorstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CollCaseStudies  = "case_studies"
	CollProductSpecs = "product_specs"
	CollRegulations  = "regulations"
)

// Collections lists every collection the knowledge base manages.
var Collections = []string{CollCaseStudies, CollProductSpecs, CollRegulations}

// VectorStore is the subset of the Qdrant client the knowledge base needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, limit uint64, minScore float32) ([]vectorstore.Hit, error)
}

// Hit is one retrieved passage.
type Hit struct {
	Content    string            `json:"content"`
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Score      float32           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// KnowledgeBase embeds queries and searches across collections.
type KnowledgeBase struct {
	embedder embedding.Provider
	store    VectorStore
	minScore float32
	logger   *zap.Logger
}

// NewKnowledgeBase creates a knowledge base over the given store.
func NewKnowledgeBase(embedder embedding.Provider, store VectorStore, logger *zap.Logger) *KnowledgeBase {
	return &KnowledgeBase{embedder: embedder, store: store, minScore: 0.2, logger: logger}
}

// Init ensures every managed collection exists.
func (kb *KnowledgeBase) Init(ctx context.Context) error {
	dim := uint64(kb.embedder.Dimension())
	if dim == 0 {
		dim = 1536
	}
	for _, name := range Collections {
		if err := kb.store.EnsureCollection(ctx, name, dim); err != nil {
			return fmt.Errorf("init collection %s: %w", name, err)
		}
	}
	return nil
}

// Search embeds query and returns the topK best hits across collections
// (all managed collections when none are named). A failing collection is
// logged and skipped.
func (kb *KnowledgeBase) Search(ctx context.Context, query string, collections []string, topK int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if topK <= 0 {
		topK = 5
	}
	if len(collections) == 0 {
		collections = Collections
	}
	for _, c := range collections {
		if !isManaged(c) {
			return nil, fmt.Errorf("unknown collection %q", c)
		}
	}

	vectors, err := kb.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, coll := range collections {
		found, err := kb.store.Search(ctx, coll, vectors[0], uint64(topK), kb.minScore)
		if err != nil {
			kb.logger.Warn("knowledge search failed", zap.String("collection", coll), zap.Error(err))
			continue
		}
		for _, h := range found {
			meta := make(map[string]string, len(h.Payload))
			for k, v := range h.Payload {
				if k != "content" {
					meta[k] = v
				}
			}
			hits = append(hits, Hit{
				Content:    h.Payload["content"],
				Collection: coll,
				ID:         h.ID,
				Score:      h.Score,
				Metadata:   meta,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Index embeds content and stores it in collection, returning the point ID.
func (kb *KnowledgeBase) Index(ctx context.Context, collection, content string, metadata map[string]string) (string, error) {
	if !isManaged(collection) {
		return "", fmt.Errorf("unknown collection %q", collection)
	}
	vectors, err := kb.embedder.Embed(ctx, []string{content})
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}
	if len(vectors) == 0 {
		return "", fmt.Errorf("empty embedding result")
	}

	id := uuid.New().String()
	payload := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["content"] = content
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := kb.store.Upsert(ctx, collection, id, vectors[0], payload); err != nil {
		return "", err
	}
	return id, nil
}

func isManaged(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}
