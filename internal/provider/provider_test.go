package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

func TestOpenAIChat_ToolCalls(t *testing.T) {
	var gotFormat string
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if rf, ok := body["response_format"].(map[string]interface{}); ok {
			gotFormat, _ = rf["type"].(string)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "chatcmpl-1",
			"model": "gpt-test",
			"choices": []map[string]interface{}{{
				"message": map[string]interface{}{
					"role": "assistant",
					"tool_calls": []map[string]interface{}{{
						"id":       "call_1",
						"type":     "function",
						"function": map[string]string{"name": "unit_convert", "arguments": `{"value":1}`},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:          "gpt-test",
		Messages:       []Message{{Role: "user", Content: "hi"}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q, want %q", resp.FinishReason, FinishToolCalls)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "unit_convert" {
		t.Errorf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if gotFormat != "json_object" {
		t.Errorf("response_format = %q, want json_object", gotFormat)
	}
}

func TestOpenAIChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
		_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d: transient = %v, want %v", tt.status, IsTransient(err), tt.transient)
		}
		if !tt.transient && !IsPermanent(err) {
			t.Errorf("status %d: expected permanent error, got %v", tt.status, err)
		}
	}
}

func TestStatusErrorKeepsValidUTF8(t *testing.T) {
	body := strings.Repeat("a", 511) + "ö Überschreitung"
	err := statusError("oai", http.StatusBadRequest, []byte(body))
	msg := err.Error()
	if !utf8.ValidString(msg) {
		t.Fatalf("error text is not valid UTF-8: %q", msg)
	}
	if !strings.HasSuffix(msg, strings.Repeat("a", 511)+"...") {
		t.Errorf("error text = %q, want cut before the split rune", msg[len(msg)-20:])
	}
}

func TestOpenAIChat_ToolsDisabled(t *testing.T) {
	p := NewOpenAIProvider(ProviderConfig{
		ID:       "plain",
		Endpoint: "http://unused",
		Extra:    map[string]string{"tool_calling": "false"},
	}, zap.NewNop())
	if p.SupportsTools() {
		t.Fatal("expected tool calling disabled")
	}
	_, err := p.Chat(context.Background(), &ChatRequest{
		Tools: []Tool{{Type: "function", Function: ToolFunction{Name: "x"}}},
	})
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestAnthropicConvertRequest_ToolTurns(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude"}, zap.NewNop())
	ar := p.convertRequest(&ChatRequest{
		Model: "claude-test",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "convert"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "tu_1", Type: "function", Function: ToolCallFunction{Name: "a", Arguments: `{"x":1}`}},
				{ID: "tu_2", Type: "function", Function: ToolCallFunction{Name: "b", Arguments: `not json`}},
			}},
			{Role: "tool", ToolCallID: "tu_1", Content: `{"ok":true}`},
			{Role: "tool", ToolCallID: "tu_2", Content: `{"ok":false}`},
		},
		Tools:          []Tool{{Type: "function", Function: ToolFunction{Name: "a", Parameters: map[string]interface{}{"type": "object"}}}},
		ResponseFormat: "json_object",
	})

	if ar.MaxTokens != 4096 {
		t.Errorf("max tokens = %d, want default 4096", ar.MaxTokens)
	}
	if len(ar.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant, merged tool results)", len(ar.Messages))
	}
	assistant := ar.Messages[1]
	if len(assistant.Content) != 2 || assistant.Content[0].Type != "tool_use" {
		t.Fatalf("unexpected assistant blocks: %+v", assistant.Content)
	}
	if string(assistant.Content[1].Input) != "{}" {
		t.Errorf("invalid arguments should become {}, got %s", assistant.Content[1].Input)
	}
	results := ar.Messages[2]
	if results.Role != "user" || len(results.Content) != 2 {
		t.Fatalf("tool results not merged: %+v", results)
	}
	if results.Content[1].ToolUseID != "tu_2" {
		t.Errorf("tool_use_id = %q, want tu_2", results.Content[1].ToolUseID)
	}
	if len(ar.Tools) != 1 || ar.Tools[0].Name != "a" {
		t.Errorf("unexpected tools: %+v", ar.Tools)
	}
	if ar.System == "be terse" {
		t.Error("json_object format should extend the system prompt")
	}
}

func TestAnthropicChat_ToolUseResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte(`{
			"id":"msg_1","model":"claude-test","stop_reason":"tool_use",
			"content":[{"type":"text","text":"checking"},{"type":"tool_use","id":"tu_9","name":"current_time","input":{}}],
			"usage":{"input_tokens":7,"output_tokens":3}
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Model: "claude-test", Messages: []Message{{Role: "user", Content: "time?"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tu_9" || resp.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Content != "checking" || resp.Usage.TotalTokens != 10 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

// stubProvider is a scripted Provider for router tests.
type stubProvider struct {
	id    string
	tools bool
	calls atomic.Int32
	model string
	fn    func(n int32) (*ChatResponse, error)
}

func (s *stubProvider) ID() string                        { return s.id }
func (s *stubProvider) Name() string                      { return s.id }
func (s *stubProvider) SupportsTools() bool               { return s.tools }
func (s *stubProvider) HealthCheck(context.Context) error { return nil }
func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.model = req.Model
	return s.fn(s.calls.Add(1))
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRouterRetriesTransient(t *testing.T) {
	p := &stubProvider{id: "p", fn: func(n int32) (*ChatResponse, error) {
		if n < 3 {
			return nil, &TransientError{Provider: "p", StatusCode: 429, Err: errors.New("slow down")}
		}
		return &ChatResponse{Content: "ok"}, nil
	}}
	r := NewRouter(zap.NewNop())
	r.Register(p)
	r.SetRetry(fastRetry())
	var retries []int
	r.OnRetry(func(_ string, attempt int, _ error) { retries = append(retries, attempt) })

	resp, err := r.Route(context.Background(), RolePlanning, &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" || p.calls.Load() != 3 {
		t.Errorf("content=%q calls=%d, want ok after 3 calls", resp.Content, p.calls.Load())
	}
	if len(retries) != 2 {
		t.Errorf("retry hook fired %d times, want 2", len(retries))
	}
}

func TestRouterRetryCeiling(t *testing.T) {
	p := &stubProvider{id: "p", fn: func(int32) (*ChatResponse, error) {
		return nil, &TransientError{Provider: "p", Err: errors.New("timeout")}
	}}
	r := NewRouter(zap.NewNop())
	r.Register(p)
	r.SetRetry(fastRetry())

	_, err := r.Route(context.Background(), RoleToolTask, &ChatRequest{})
	if !IsTransient(err) {
		t.Fatalf("expected transient error after exhausting retries, got %v", err)
	}
	if p.calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", p.calls.Load())
	}
}

func TestRouterPermanentNotRetried(t *testing.T) {
	p := &stubProvider{id: "p", fn: func(int32) (*ChatResponse, error) {
		return nil, &PermanentError{Provider: "p", StatusCode: 400, Err: errors.New("bad")}
	}}
	r := NewRouter(zap.NewNop())
	r.Register(p)
	r.SetRetry(fastRetry())

	_, err := r.Route(context.Background(), RoleSynthesis, &ChatRequest{})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", p.calls.Load())
	}
}

func TestRouterBindingsAndFallback(t *testing.T) {
	primary := &stubProvider{id: "primary", fn: func(int32) (*ChatResponse, error) {
		return nil, &PermanentError{Provider: "primary", Err: errors.New("down")}
	}}
	noTools := &stubProvider{id: "plain", fn: func(int32) (*ChatResponse, error) {
		return &ChatResponse{Content: "plain"}, nil
	}}
	backup := &stubProvider{id: "backup", tools: true, fn: func(int32) (*ChatResponse, error) {
		return &ChatResponse{Content: "backup"}, nil
	}}
	r := NewRouter(zap.NewNop())
	r.Register(noTools)
	r.Register(primary)
	r.Register(backup)
	r.SetRetry(fastRetry())
	r.Bind(RoleToolTask, "primary")
	r.SetFallbacks(RoleToolTask, []string{"plain", "backup"})
	r.SetModel(RoleToolTask, "big-model")

	if p, ok := r.Backend(RoleToolTask); !ok || p.ID() != "primary" {
		t.Fatalf("Backend(tool_task) = %v, want primary", p)
	}
	if p, _ := r.Backend(RoleLightTask); p.ID() != "plain" {
		t.Errorf("unbound role should use default provider, got %s", p.ID())
	}

	req := &ChatRequest{Tools: []Tool{{Type: "function", Function: ToolFunction{Name: "t"}}}}
	resp, err := r.Route(context.Background(), RoleToolTask, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "backup" {
		t.Errorf("content = %q, want backup (plain lacks tool support)", resp.Content)
	}
	if noTools.calls.Load() != 0 {
		t.Error("fallback without tool support should be skipped")
	}
	if primary.model != "big-model" {
		t.Errorf("primary model = %q, want role override", primary.model)
	}
	if backup.model != "" {
		t.Errorf("fallback model = %q, want the role override dropped", backup.model)
	}
	if req.Model != "" {
		t.Errorf("caller request mutated: model = %q", req.Model)
	}
}

// modelRecorder is an OpenAI-compatible endpoint that records the model field
// of every request.
func modelRecorder(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen = append(seen, body.Model)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model": body.Model,
			"choices": []map[string]interface{}{{
				"message":       map[string]string{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestRouterSendsProviderDefaultModel(t *testing.T) {
	srv, seen := modelRecorder(t)
	oai := NewOpenAIProvider(ProviderConfig{
		ID: "openai", Endpoint: srv.URL, Models: []string{"gpt-4o", "gpt-4o-mini"},
	}, zap.NewNop())

	r := NewRouter(zap.NewNop())
	r.Register(oai)
	r.SetRetry(fastRetry())
	for _, role := range []string{RoleExtraction, RoleLightTask} {
		r.Bind(role, "openai")
	}
	r.SetModel(RoleLightTask, "gpt-4o-mini")

	ctx := context.Background()
	if _, err := r.Route(ctx, RoleExtraction, &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err != nil {
		t.Fatalf("extraction: %v", err)
	}
	if _, err := r.Route(ctx, RoleLightTask, &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}); err != nil {
		t.Fatalf("light task: %v", err)
	}
	want := []string{"gpt-4o", "gpt-4o-mini"}
	if len(*seen) != 2 || (*seen)[0] != want[0] || (*seen)[1] != want[1] {
		t.Errorf("models on the wire = %q, want %q", *seen, want)
	}
}

func TestRouterFallbackUsesOwnDefaultModel(t *testing.T) {
	claudeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer claudeSrv.Close()
	oaiSrv, seen := modelRecorder(t)

	claude := NewAnthropicProvider(ProviderConfig{
		ID: "anthropic", Endpoint: claudeSrv.URL, Models: []string{"claude-sonnet-4"},
	}, zap.NewNop())
	oai := NewOpenAIProvider(ProviderConfig{
		ID: "openai", Endpoint: oaiSrv.URL, Models: []string{"gpt-4o"},
	}, zap.NewNop())

	r := NewRouter(zap.NewNop())
	r.Register(claude)
	r.Register(oai)
	r.SetRetry(fastRetry())
	r.Bind(RoleSynthesis, "anthropic")
	r.SetFallbacks(RoleSynthesis, []string{"openai"})
	r.SetModel(RoleSynthesis, "claude-opus-4")

	resp, err := r.Route(context.Background(), RoleSynthesis, &ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("response model = %q, want gpt-4o", resp.Model)
	}
	if len(*seen) != 1 || (*seen)[0] != "gpt-4o" {
		t.Errorf("fallback models on the wire = %q, want [gpt-4o]", *seen)
	}
}

func TestAnthropicChat_DefaultModel(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got = body.Model
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "msg_1", "model": body.Model, "stop_reason": "end_turn",
			"content": []map[string]string{{"type": "text", "text": "ok"}},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: srv.URL, Models: []string{"claude-sonnet-4"}}, zap.NewNop())
	if _, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "claude-sonnet-4" {
		t.Errorf("model = %q, want claude-sonnet-4", got)
	}
}

func TestRouterCallTimeoutIsTransient(t *testing.T) {
	p := &stubProvider{id: "p"}
	p.fn = func(int32) (*ChatResponse, error) { return nil, nil }
	slow := &slowProvider{stubProvider: p}
	r := NewRouter(zap.NewNop())
	r.Register(slow)
	r.SetRetry(RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	r.SetCallTimeout(10 * time.Millisecond)

	_, err := r.Route(context.Background(), RoleExtraction, &ChatRequest{})
	if !IsTransient(err) {
		t.Fatalf("expected transient timeout, got %v", err)
	}
	if slow.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", slow.calls.Load())
	}
}

type slowProvider struct{ *stubProvider }

func (s *slowProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), RolePlanning, &ChatRequest{}); err == nil {
		t.Fatal("expected error with no providers")
	}
}
