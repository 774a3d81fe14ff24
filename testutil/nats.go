package testutil

import (
	"context"
	"fmt"
	"sync"
)

// Responder answers one request on a subject.
type Responder func(ctx context.Context, data []byte) ([]byte, error)

// MockNATSClient is an in-memory request/reply transport matching the
// adapter's NATS requester. Thread-safe for concurrent use.
type MockNATSClient struct {
	mu         sync.RWMutex
	requests   map[string][][]byte
	responders map[string]Responder
	closed     bool
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		requests:   make(map[string][][]byte),
		responders: make(map[string]Responder),
	}
}

// Respond installs the responder for subject, replacing any previous one.
func (c *MockNATSClient) Respond(subject string, fn Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[subject] = fn
}

// Request records data and returns the responder's answer. Subjects without
// a responder fail like a request with no subscribers.
func (c *MockNATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.requests[subject] = append(c.requests[subject], data)
	fn := c.responders[subject]
	c.mu.Unlock()

	// Responder runs outside the lock
	if fn == nil {
		return nil, fmt.Errorf("nats: no responders available for request on %s", subject)
	}
	return fn(ctx, data)
}

// Requests returns a copy of every payload sent on subject.
func (c *MockNATSClient) Requests(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.requests[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// Close closes the mock client.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed returns whether the client is closed.
func (c *MockNATSClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
