// Package registry walks the configured provider adapters in priority order
// until one of them serves the request.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/promptlab/orchestrator/internal/llm"
)

// ErrNotConfigured is returned for operations naming a provider that has no
// adapter.
var ErrNotConfigured = errors.New("provider not configured")

// fallbackOrder is the fixed priority: primary reasoning provider first, then
// the high-throughput provider, then the reliable fallback. Future providers
// append here.
var fallbackOrder = []llm.Provider{
	llm.ProviderGemini,
	llm.ProviderGroq,
	llm.ProviderOpenAI,
	llm.ProviderClaude,
}

type Registry struct {
	adapters map[llm.Provider]llm.Adapter
	order    []llm.Provider
	breakers map[llm.Provider]*gobreaker.CircuitBreaker
}

func New(adapters map[llm.Provider]llm.Adapter) *Registry {
	order := make([]llm.Provider, 0, len(adapters))
	breakers := make(map[llm.Provider]*gobreaker.CircuitBreaker, len(adapters))
	for _, p := range fallbackOrder {
		if _, ok := adapters[p]; !ok {
			continue
		}
		order = append(order, p)
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(p),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return &Registry{adapters: adapters, order: order, breakers: breakers}
}

// GenerateWithFallback tries adapters one at a time in attempt order and
// returns the first success. A provider is skipped without recording a
// failure when its breaker is open or its health probe fails; a failed
// Generate advances to the next candidate. Once every candidate is exhausted
// the most recent Generate failure is returned, or a generic error when
// nothing was attempted at all.
func (r *Registry) GenerateWithFallback(ctx context.Context, req *llm.Request, preferred llm.Provider) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llm.Errorf(llm.KindGeneric, "", "invalid request: %v", err)
	}

	var lastErr error
	for _, p := range r.attemptOrder(preferred) {
		adapter := r.adapters[p]
		cb := r.breakers[p]
		if cb.State() == gobreaker.StateOpen {
			continue
		}
		if !adapter.HealthCheck(ctx) {
			continue
		}

		out, err := cb.Execute(func() (any, error) {
			return adapter.Generate(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				continue
			}
			lastErr = llm.Classify(p, err)
			continue
		}
		return out.(*llm.Response), nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, llm.Errorf(llm.KindGeneric, "", "no providers available")
}

// GenerateWith bypasses fallback: the named provider either serves the
// request or the call fails.
func (r *Registry) GenerateWith(ctx context.Context, req *llm.Request, p llm.Provider) (*llm.Response, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return nil, llm.Errorf(llm.KindGeneric, p, "provider %s not configured", p)
	}
	if err := req.Validate(); err != nil {
		return nil, llm.Errorf(llm.KindGeneric, p, "invalid request: %v", err)
	}
	if !adapter.HealthCheck(ctx) {
		return nil, llm.Errorf(llm.KindGeneric, p, "provider %s is not healthy", p)
	}

	out, err := r.breakers[p].Execute(func() (any, error) {
		return adapter.Generate(ctx, req)
	})
	if err != nil {
		return nil, llm.Classify(p, err)
	}
	return out.(*llm.Response), nil
}

// AvailableProviders probes every configured adapter and returns those that
// pass, in priority order. Probes run concurrently; they are independent.
func (r *Registry) AvailableProviders(ctx context.Context) []llm.Provider {
	var mu sync.Mutex
	healthy := make(map[llm.Provider]bool, len(r.order))

	var wg sync.WaitGroup
	for _, p := range r.order {
		wg.Add(1)
		go func(p llm.Provider) {
			defer wg.Done()
			ok := r.adapters[p].HealthCheck(ctx)
			mu.Lock()
			healthy[p] = ok
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	available := make([]llm.Provider, 0, len(r.order))
	for _, p := range r.order {
		if healthy[p] {
			available = append(available, p)
		}
	}
	return available
}

func (r *Registry) Capabilities(p llm.Provider) (llm.Capabilities, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return llm.Capabilities{}, ErrNotConfigured
	}
	return adapter.Capabilities(), nil
}

func (r *Registry) EstimateCost(req *llm.Request, p llm.Provider) (float64, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return 0, ErrNotConfigured
	}
	return adapter.EstimateCost(req), nil
}

// attemptOrder puts a configured preferred provider first, followed by the
// remaining providers in priority order without duplication.
func (r *Registry) attemptOrder(preferred llm.Provider) []llm.Provider {
	if preferred == "" {
		return r.order
	}
	if _, ok := r.adapters[preferred]; !ok {
		return r.order
	}
	order := make([]llm.Provider, 0, len(r.order))
	order = append(order, preferred)
	for _, p := range r.order {
		if p != preferred {
			order = append(order, p)
		}
	}
	return order
}
