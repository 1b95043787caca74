package github

import (
	"context"
	"sync"
)

// MockClient records writes for tests and returns scripted results.
type MockClient struct {
	mu       sync.Mutex
	requests []WriteRequest

	// ExecuteFunc overrides the default behavior when set.
	ExecuteFunc func(ctx context.Context, req WriteRequest) (*WriteResult, error)
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Execute records the request and delegates to ExecuteFunc when set.
func (c *MockClient) Execute(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.ExecuteFunc != nil {
		return c.ExecuteFunc(ctx, req)
	}
	return &WriteResult{NodeID: "mock_node"}, nil
}

// Requests returns a copy of all recorded requests.
func (c *MockClient) Requests() []WriteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WriteRequest, len(c.requests))
	copy(out, c.requests)
	return out
}
