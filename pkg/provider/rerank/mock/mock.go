// Package mock provides a test double for the rerank.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/quaestor-ai/quaestor/pkg/provider/rerank"
)

// RerankCall records a single invocation of Rerank.
type RerankCall struct {
	Query string
	Docs  []string
	TopK  int
}

// Provider is a mock implementation of rerank.Provider.
type Provider struct {
	mu sync.Mutex

	// RerankResult is the index order returned by Rerank.
	RerankResult []int

	// RerankErr, if non-nil, is returned as the error from Rerank.
	RerankErr error

	// RerankCalls records every call to Rerank in order.
	RerankCalls []RerankCall
}

// Rerank records the call and returns RerankResult, RerankErr.
func (p *Provider) Rerank(ctx context.Context, query string, docs []string, topK int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(docs))
	copy(cp, docs)
	p.RerankCalls = append(p.RerankCalls, RerankCall{Query: query, Docs: cp, TopK: topK})
	if p.RerankErr != nil {
		return nil, p.RerankErr
	}
	return p.RerankResult, nil
}

// Ensure Provider implements rerank.Provider at compile time.
var _ rerank.Provider = (*Provider)(nil)
