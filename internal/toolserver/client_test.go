package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer speaks the SSE transport: replies to POST /rpc are pushed onto
// the open GET /sse stream.
type fakeServer struct {
	*httptest.Server
	replies chan string
	silent  atomic.Bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{replies: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", f.stream)
	mux.HandleFunc("/rpc", f.rpc)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) stream(w http.ResponseWriter, r *http.Request) {
	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: endpoint\ndata: /rpc?session=1\n\n")
	flusher.Flush()
	for {
		select {
		case msg := <-f.replies:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeServer) rpc(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	if f.silent.Load() && req.Method == "tools/call" {
		return
	}

	var result string
	switch req.Method {
	case "tools/list":
		result = `{"tools":[{"name":"emission.limits","description":"Look up emission limits","inputSchema":{"type":"object","properties":{"substance":{"type":"string"}}}}]}`
	case "tools/call":
		var p struct {
			Name      string `json:"name"`
			Arguments struct {
				Substance string `json:"substance"`
			} `json:"arguments"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Arguments.Substance == "" {
			result = `{"content":[{"type":"text","text":"substance is required"}],"isError":true}`
		} else {
			result = fmt.Sprintf(`{"content":[{"type":"text","text":"%s: 20 mg/Nm3"}]}`, p.Arguments.Substance)
		}
	default:
		f.replies <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
		return
	}
	f.replies <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result)
}

func connect(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	c := NewClient("limits db", f.URL+"/sse", zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectDiscoversTools(t *testing.T) {
	c := connect(t, newFakeServer(t))
	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "emission.limits" {
		t.Fatalf("unexpected tools %+v", tools)
	}
}

func TestCallTool(t *testing.T) {
	c := connect(t, newFakeServer(t))
	ctx := context.Background()

	out, err := c.CallTool(ctx, "emission.limits", json.RawMessage(`{"substance":"toluene"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "toluene: 20 mg/Nm3" {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := c.CallTool(ctx, "emission.limits", nil); err == nil || !strings.Contains(err.Error(), "substance is required") {
		t.Errorf("expected tool error, got %v", err)
	}
}

func TestRPCError(t *testing.T) {
	c := connect(t, newFakeServer(t))
	_, err := c.call(context.Background(), "resources/list", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("expected method-not-found rpc error, got %v", err)
	}
}

func TestCallHonoursContext(t *testing.T) {
	f := newFakeServer(t)
	f.silent.Store(true)
	c := connect(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CallTool(ctx, "emission.limits", json.RawMessage(`{"substance":"x"}`)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestCallAfterClose(t *testing.T) {
	c := connect(t, newFakeServer(t))
	c.Close()
	if _, err := c.CallTool(context.Background(), "emission.limits", nil); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestRegisterBridgesTools(t *testing.T) {
	c := connect(t, newFakeServer(t))
	reg := agent.NewToolRegistry()

	names := Register(reg, c)
	want := "limits_db__emission_limits"
	if len(names) != 1 || names[0] != want {
		t.Fatalf("unexpected names %v", names)
	}
	if !reg.Has(want) {
		t.Fatalf("%s not registered", want)
	}
	out, err := reg.Execute(context.Background(), want, `{"substance":"xylene"}`)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "xylene: 20 mg/Nm3" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestDialSkipsUnreachable(t *testing.T) {
	f := newFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := Dial(ctx, []Server{
		{Name: "ok", URL: f.URL + "/sse"},
		{Name: "missing", URL: f.URL + "/nope"},
	}, zap.NewNop())
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()
	if len(clients) != 1 || clients[0].Name() != "ok" {
		t.Fatalf("expected only the reachable server, got %d clients", len(clients))
	}
}
