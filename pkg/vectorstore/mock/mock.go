// Package mock provides a test double for the vectorstore interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// Compile-time interface checks.
var (
	_ vectorstore.Index    = (*Index)(nil)
	_ vectorstore.Upserter = (*Index)(nil)
)

// QueryCall records a single invocation of Query.
type QueryCall struct {
	Vector []float32
	Limit  int
}

// Index is a mock implementation of vectorstore.Index and
// vectorstore.Upserter.
type Index struct {
	mu sync.Mutex

	// QueryResult is returned from Query.
	QueryResult []vectorstore.Passage

	// QueryErr, if non-nil, is returned as the error from Query.
	QueryErr error

	// UpsertErr, if non-nil, is returned as the error from Upsert.
	UpsertErr error

	// DimensionsValue is returned from Dimensions.
	DimensionsValue int

	// QueryCalls records every call to Query in order.
	QueryCalls []QueryCall

	// Upserted accumulates all points passed to Upsert.
	Upserted []vectorstore.Point

	// Closed reports whether Close was called.
	Closed bool
}

// Query records the call and returns QueryResult, QueryErr.
func (m *Index) Query(ctx context.Context, vector []float32, limit int) ([]vectorstore.Passage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	m.QueryCalls = append(m.QueryCalls, QueryCall{Vector: cp, Limit: limit})
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	return m.QueryResult, nil
}

// Upsert records the points and returns UpsertErr.
func (m *Index) Upsert(ctx context.Context, points []vectorstore.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.Upserted = append(m.Upserted, points...)
	return nil
}

// Dimensions returns DimensionsValue.
func (m *Index) Dimensions() int {
	return m.DimensionsValue
}

// Close marks the index as closed.
func (m *Index) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}
