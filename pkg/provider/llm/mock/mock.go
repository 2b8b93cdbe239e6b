// Package mock provides a mock implementation of llm.Provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/aurelia-voice/aurelia/pkg/provider/llm"
)

// Provider is a configurable mock LLM provider that records all calls.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete when CompleteErr is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, when non-nil, is returned by Complete.
	CompleteErr error

	block chan struct{}

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest
}

// Block makes subsequent Complete calls hang until the returned release
// function is invoked or the call's context is cancelled.
func (p *Provider) Block() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	block := p.block
	resp := p.CompleteResponse
	err := p.CompleteErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &llm.CompletionResponse{Content: "mock response"}
	}
	return resp, nil
}

// Calls returns a copy of the recorded Complete requests.
func (p *Provider) Calls() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls and configured behaviour.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CompleteResponse = nil
	p.CompleteErr = nil
	p.block = nil
}

var _ llm.Provider = (*Provider)(nil)
