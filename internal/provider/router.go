package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Router manages multiple LLM providers and routes requests by pipeline role.
type Router struct {
	providers   map[string]Provider
	bindings    map[string]string   // role -> providerID
	fallbacks   map[string][]string // role -> fallback provider chain
	models      map[string]string   // role -> model override
	limiters    map[string]*rate.Limiter
	defaults    string // default provider ID
	retry       RetryPolicy
	callTimeout time.Duration
	onRetry     func(providerID string, attempt int, err error)
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		models:    make(map[string]string),
		limiters:  make(map[string]*rate.Limiter),
		retry:     DefaultRetryPolicy(),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider",
		zap.String("id", p.ID()),
		zap.String("name", p.Name()),
		zap.Bool("tools", p.SupportsTools()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// Bind associates a pipeline role with a specific provider.
func (r *Router) Bind(role, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[role] = providerID
}

// SetFallbacks configures fallback providers for a role.
func (r *Router) SetFallbacks(role string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[role] = providerIDs
}

// SetModel overrides the model name sent for a role.
func (r *Router) SetModel(role, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[role] = model
}

// SetRateLimit caps requests per second against a provider.
func (r *Router) SetRateLimit(providerID string, perSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perSecond <= 0 {
		delete(r.limiters, providerID)
		return
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	r.limiters[providerID] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// SetRetry replaces the transient-failure retry policy.
func (r *Router) SetRetry(p RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retry = p
}

// SetCallTimeout bounds every single collaborator call. Zero disables it.
func (r *Router) SetCallTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callTimeout = d
}

// OnRetry installs a hook invoked before each retry of a transient failure.
func (r *Router) OnRetry(fn func(providerID string, attempt int, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRetry = fn
}

// Backend returns the primary provider bound to a role.
func (r *Router) Backend(role string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.getProvider(role)
	return p, p != nil
}

// Model returns the model configured for a role, or "" to use the backend default.
func (r *Router) Model(role string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[role]
}

// Route sends a chat request through the provider bound to role, retrying
// transient failures and then walking the fallback chain.
func (r *Router) Route(ctx context.Context, role string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	primary := r.getProvider(role)
	var chain []Provider
	for _, id := range r.fallbacks[role] {
		if p, ok := r.providers[id]; ok {
			chain = append(chain, p)
		}
	}
	r.mu.RUnlock()

	if primary == nil {
		return nil, &PermanentError{Provider: role, Err: fmt.Errorf("no provider available for role %s", role)}
	}
	// A role override names a model of the primary; fallbacks get their own
	// default unless the caller pinned one.
	resp, err := r.call(ctx, primary, withModel(req, r.Model(role)))
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil || len(chain) == 0 {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("role", role), zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range chain {
		if len(req.Tools) > 0 && !fb.SupportsTools() {
			continue
		}
		resp, err = r.call(ctx, fb, req)
		if err == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all providers failed for role %s: %w", role, err)
}

// call performs one provider call with rate limiting, per-call timeout and retries.
func (r *Router) call(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	limiter := r.limiters[p.ID()]
	policy := r.retry
	timeout := r.callTimeout
	hook := r.onRetry
	r.mu.RUnlock()

	var resp *ChatResponse
	err := policy.Do(ctx, func(ctx context.Context) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var err error
		resp, err = p.Chat(callCtx, req)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
			err = &TransientError{Provider: p.ID(), Err: err}
		}
		return err
	}, func(attempt int, err error) {
		r.logger.Debug("retrying provider call",
			zap.String("provider", p.ID()), zap.Int("attempt", attempt), zap.Error(err))
		if hook != nil {
			hook(p.ID(), attempt, err)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Router) getProvider(role string) Provider {
	if pid, ok := r.bindings[role]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
