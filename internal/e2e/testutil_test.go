//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("oxytec_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return "redis://" + endpoint, cleanup, nil
}

const (
	factsReply = `{"customer":"ACME Coatings","industry":"automotive coating",
"summary":"Solvent-laden exhaust from a coating line",
"parameters":[{"name":"flow","value":12000,"unit":"m3/h"}],
"pollutants":[{"name":"toluene","concentration":800,"unit":"mg/Nm3"}],
"missing_info":["humidity"]}`

	planReply = `{"tasks":[
{"name":"Technology fit","objective":"select a treatment technology for toluene","data":{"pollutant":"toluene"},"tools":["technology_lookup"],"priority":"high"},
{"name":"Flow","objective":"assess flow rate","data":{"flow":"12000 m3/h"},"tools":[],"priority":"medium"},
{"name":"Missing data","objective":"list open questions","data":{"missing":["humidity"]},"tools":[],"priority":"low"}]}`

	synthesisReply = `{"summary":"Regenerative thermal oxidation fits the toluene load",
"interaction_risks":[{"title":"Unknown humidity","description":"Condensation risk cannot be excluded","severity":"medium","source_tasks":["task-1","task-3"]}],
"shared_assumptions":["continuous operation"],
"recommendation":{"decision":"proceed_with_conditions","rationale":"Load fits an RTO","conditions":["confirm humidity"]},
"confidence":0.75}`
)

// llmServer is an OpenAI-compatible endpoint. The first path segment names
// the pipeline role the request was bound to.
type llmServer struct {
	*httptest.Server
	toolResults atomic.Int32
}

func newLLMServer(t *testing.T) *llmServer {
	t.Helper()
	s := &llmServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *llmServer) handle(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	role, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if want := modelFor(role); req.Model != want {
		http.Error(w, fmt.Sprintf("model %q, want %q", req.Model, want), http.StatusBadRequest)
		return
	}

	msg := provider.Message{Role: "assistant"}
	switch role {
	case provider.RoleExtraction:
		msg.Content = factsReply
	case provider.RolePlanning:
		msg.Content = planReply
	case provider.RoleSynthesis:
		msg.Content = synthesisReply
	case provider.RoleToolTask:
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			s.toolResults.Add(1)
			msg.Content = "Regenerative thermal oxidation is suitable. Graph evidence: " + last.Content
		} else {
			msg.ToolCalls = []provider.ToolCall{{
				ID:   "call-1",
				Type: "function",
				Function: provider.ToolCallFunction{
					Name:      agent.ToolTechnologyLookup,
					Arguments: `{"term":"toluene"}`,
				},
			}}
		}
	default:
		msg.Content = "No concerns for this aspect."
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    "chatcmpl-test",
		"model": req.Model,
		"choices": []map[string]interface{}{
			{"message": msg, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30},
	})
}

// newRouter registers one OpenAI provider per role, all served by srv.
func newRouter(srv *llmServer) *provider.Router {
	router := provider.NewRouter(testLogger)
	for _, role := range []string{
		provider.RoleExtraction, provider.RolePlanning, provider.RoleToolTask,
		provider.RoleLightTask, provider.RoleSynthesis,
	} {
		router.Register(provider.NewOpenAIProvider(provider.ProviderConfig{
			ID:       role,
			Type:     "openai",
			Name:     "test " + role,
			Endpoint: srv.URL + "/" + role,
			APIKey:   "test",
			Models:   []string{role + "-model", "spare-model"},
		}, testLogger))
		router.Bind(role, role)
	}
	router.SetModel(provider.RoleLightTask, lightModel)
	return router
}

const lightModel = "light-override"

// modelFor is the model name each role must put on the wire: the role
// override when one is set, otherwise the provider's first model.
func modelFor(role string) string {
	if role == provider.RoleLightTask {
		return lightModel
	}
	return role + "-model"
}
