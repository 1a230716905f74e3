package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/knowledge"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/rag"
)

// Built-in tool names.
const (
	ToolKnowledgeSearch  = "knowledge_search"
	ToolTechnologyLookup = "technology_lookup"
	ToolUnitConvert      = "unit_convert"
	ToolCurrentTime      = "current_time"
)

// KnowledgeSearcher is satisfied by *rag.KnowledgeBase.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, collections []string, topK int) ([]rag.Hit, error)
}

// TechnologyGraph is satisfied by *knowledge.Graph.
type TechnologyGraph interface {
	Lookup(ctx context.Context, term string, limit int) ([]knowledge.Relation, error)
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// RegisterBuiltinTools adds the tools that need no external service.
func RegisterBuiltinTools(reg *ToolRegistry) {
	reg.Register(provider.Tool{
		Function: provider.ToolFunction{
			Name:        ToolCurrentTime,
			Description: "Get the current UTC date and time",
			Parameters:  objectSchema(map[string]interface{}{}),
		},
	}, func(ctx context.Context, args string) (string, error) {
		return fmt.Sprintf(`{"utc":%q}`, time.Now().UTC().Format(time.RFC3339)), nil
	})

	reg.Register(provider.Tool{
		Function: provider.ToolFunction{
			Name: ToolUnitConvert,
			Description: "Convert concentrations (ppm <-> mg/Nm3, needs molar_mass in g/mol), " +
				"flow rates (m3/h, m3/s, l/s, cfm) and temperatures (C, F, K)",
			Parameters: objectSchema(map[string]interface{}{
				"value":      map[string]string{"type": "number"},
				"from":       map[string]string{"type": "string", "description": "Source unit"},
				"to":         map[string]string{"type": "string", "description": "Target unit"},
				"molar_mass": map[string]string{"type": "number", "description": "g/mol, for ppm conversions"},
			}, "value", "from", "to"),
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			Value     float64 `json:"value"`
			From      string  `json:"from"`
			To        string  `json:"to"`
			MolarMass float64 `json:"molar_mass"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		v, err := ConvertUnit(p.Value, p.From, p.To, p.MolarMass)
		if err != nil {
			return "", err
		}
		b, _ := json.Marshal(map[string]interface{}{"value": round(v, 6), "unit": p.To})
		return string(b), nil
	})
}

// RegisterKnowledgeSearch exposes vector search over the reference knowledge base.
func RegisterKnowledgeSearch(reg *ToolRegistry, kb KnowledgeSearcher) {
	reg.Register(provider.Tool{
		Function: provider.ToolFunction{
			Name:        ToolKnowledgeSearch,
			Description: "Search past case studies, product specifications and regulations",
			Parameters: objectSchema(map[string]interface{}{
				"query": map[string]string{"type": "string"},
				"collections": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string", "enum": rag.Collections},
				},
				"top_k": map[string]string{"type": "integer"},
			}, "query"),
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			Query       string   `json:"query"`
			Collections []string `json:"collections"`
			TopK        int      `json:"top_k"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		if p.TopK <= 0 || p.TopK > 10 {
			p.TopK = 5
		}
		hits, err := kb.Search(ctx, p.Query, p.Collections, p.TopK)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(map[string]interface{}{"results": hits})
		return string(b), err
	})
}

// RegisterTechnologyLookup exposes the technology/pollutant graph.
func RegisterTechnologyLookup(reg *ToolRegistry, g TechnologyGraph) {
	reg.Register(provider.Tool{
		Function: provider.ToolFunction{
			Name:        ToolTechnologyLookup,
			Description: "Find treatment technologies, pollutants and constraints related to a term",
			Parameters: objectSchema(map[string]interface{}{
				"term":  map[string]string{"type": "string"},
				"limit": map[string]string{"type": "integer"},
			}, "term"),
		},
	}, func(ctx context.Context, args string) (string, error) {
		var p struct {
			Term  string `json:"term"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal([]byte(args), &p); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
		rels, err := g.Lookup(ctx, p.Term, p.Limit)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(map[string]interface{}{"relations": rels})
		return string(b), err
	})
}

// Molar volume of an ideal gas at 0 °C and 1013.25 hPa, in l/mol.
const normMolarVolume = 22.414

var flowToM3H = map[string]float64{
	"m3/h": 1,
	"m3/s": 3600,
	"l/s":  3.6,
	"cfm":  1.699011,
}

// ConvertUnit converts value between supported units. Unit names are case-insensitive.
func ConvertUnit(value float64, from, to string, molarMass float64) (float64, error) {
	from, to = normUnit(from), normUnit(to)
	if from == to {
		return value, nil
	}

	if f, ok := flowToM3H[from]; ok {
		t, ok := flowToM3H[to]
		if !ok {
			return 0, fmt.Errorf("cannot convert %s to %s", from, to)
		}
		return value * f / t, nil
	}

	switch from + ">" + to {
	case "ppm>mg/nm3", "mg/nm3>ppm":
		if molarMass <= 0 {
			return 0, fmt.Errorf("molar_mass is required for %s to %s", from, to)
		}
		if from == "ppm" {
			return value * molarMass / normMolarVolume, nil
		}
		return value * normMolarVolume / molarMass, nil
	case "c>k":
		return value + 273.15, nil
	case "k>c":
		return value - 273.15, nil
	case "c>f":
		return value*9/5 + 32, nil
	case "f>c":
		return (value - 32) * 5 / 9, nil
	case "k>f":
		return (value-273.15)*9/5 + 32, nil
	case "f>k":
		return (value-32)*5/9 + 273.15, nil
	}
	return 0, fmt.Errorf("cannot convert %s to %s", from, to)
}

func normUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.NewReplacer("³", "3", "°", "", " ", "").Replace(u)
	switch u {
	case "mg/m3":
		return "mg/nm3"
	case "celsius":
		return "c"
	case "kelvin":
		return "k"
	case "fahrenheit":
		return "f"
	}
	return u
}

// round keeps tool output readable.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
