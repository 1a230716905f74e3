// Package knowledge answers which treatment technologies relate to a
// pollutant, industry or constraint, backed by a Neo4j graph.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Relation is one edge returned by Lookup.
type Relation struct {
	From     string  `json:"from"`
	FromKind string  `json:"from_kind"`
	Type     string  `json:"relation"`
	To       string  `json:"to"`
	ToKind   string  `json:"to_kind"`
	Notes    string  `json:"notes,omitempty"`
	Weight   float64 `json:"weight,omitempty"`
}

// Graph wraps a Neo4j driver.
type Graph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// Open connects to Neo4j.
func Open(uri, user, password string, logger *zap.Logger) (*Graph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Graph{driver: driver, logger: logger}, nil
}

// Ping verifies connectivity.
func (g *Graph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *Graph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

const lookupQuery = `
MATCH (a)-[r]-(b)
WHERE toLower(a.name) CONTAINS $term
RETURN a.name AS from, labels(a)[0] AS fromKind, type(r) AS rel,
       b.name AS to, labels(b)[0] AS toKind,
       coalesce(r.notes, '') AS notes, coalesce(r.weight, 0.0) AS weight
ORDER BY weight DESC
LIMIT $limit`

// Lookup returns relations touching any node whose name contains term.
func (g *Graph) Lookup(ctx context.Context, term string, limit int) ([]Relation, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, fmt.Errorf("empty lookup term")
	}
	if limit <= 0 {
		limit = 10
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, lookupQuery, map[string]interface{}{"term": term, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", term, err)
	}

	var out []Relation
	for result.Next(ctx) {
		out = append(out, relationFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("lookup %q: %w", term, err)
	}
	return out, nil
}

// Relate merges both nodes and the typed edge between them.
func (g *Graph) Relate(ctx context.Context, r Relation) error {
	if !validIdent(r.FromKind) || !validIdent(r.ToKind) || !validIdent(r.Type) {
		return fmt.Errorf("invalid label or relation type in %+v", r)
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	// Labels and relationship types cannot be parameterised in Cypher.
	query := fmt.Sprintf(`
MERGE (a:%s {name: $from})
MERGE (b:%s {name: $to})
MERGE (a)-[r:%s]->(b)
SET r.notes = $notes, r.weight = $weight`, r.FromKind, r.ToKind, r.Type)

	_, err := session.Run(ctx, query, map[string]interface{}{
		"from": r.From, "to": r.To, "notes": r.Notes, "weight": r.Weight,
	})
	return err
}

// record is the slice of neo4j.Record used by relationFromRecord.
type record interface {
	Get(key string) (interface{}, bool)
}

func relationFromRecord(rec record) Relation {
	str := func(k string) string {
		v, _ := rec.Get(k)
		s, _ := v.(string)
		return s
	}
	var weight float64
	if v, ok := rec.Get("weight"); ok {
		switch w := v.(type) {
		case float64:
			weight = w
		case int64:
			weight = float64(w)
		}
	}
	return Relation{
		From:     str("from"),
		FromKind: str("fromKind"),
		Type:     str("rel"),
		To:       str("to"),
		ToKind:   str("toKind"),
		Notes:    str("notes"),
		Weight:   weight,
	}
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
