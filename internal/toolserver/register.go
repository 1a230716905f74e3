package toolserver

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/AKrns21/oxytec-evaluator-sub002/internal/agent"
	"github.com/AKrns21/oxytec-evaluator-sub002/internal/provider"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Server names one tool server endpoint.
type Server struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Dial connects to each server, retrying a failed handshake with backoff.
// Unreachable servers are logged and skipped.
func Dial(ctx context.Context, servers []Server, logger *zap.Logger) []*Client {
	var clients []*Client
	for _, s := range servers {
		c := NewClient(s.Name, s.URL, logger)
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = 10 * time.Second

		err := backoff.RetryNotify(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return c.Connect(attemptCtx)
		}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx), func(err error, wait time.Duration) {
			logger.Debug("tool server connect retry", zap.String("name", s.Name), zap.Duration("wait", wait), zap.Error(err))
		})
		if err != nil {
			logger.Warn("tool server unavailable", zap.String("name", s.Name), zap.Error(err))
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ToolName is the registry name of a server tool: "<server>__<tool>", limited
// to the characters function-calling APIs accept.
func ToolName(server, tool string) string {
	return unsafeName.ReplaceAllString(server, "_") + "__" + unsafeName.ReplaceAllString(tool, "_")
}

// Register adds every tool of every client to reg and returns the names added.
func Register(reg *agent.ToolRegistry, clients ...*Client) []string {
	var names []string
	for _, c := range clients {
		for _, tool := range c.Tools() {
			client, remote := c, tool.Name
			name := ToolName(c.Name(), tool.Name)
			params := interface{}(tool.InputSchema)
			if tool.InputSchema == nil {
				params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			reg.Register(provider.Tool{
				Type: "function",
				Function: provider.ToolFunction{
					Name:        name,
					Description: tool.Description,
					Parameters:  params,
				},
			}, func(ctx context.Context, args string) (string, error) {
				return client.CallTool(ctx, remote, json.RawMessage(args))
			})
			names = append(names, name)
		}
	}
	return names
}
