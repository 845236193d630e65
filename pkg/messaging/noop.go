package messaging

import (
	"context"
	"sync"

	"github.com/riskflow/riskflow/internal/model"
)

// NoopPublisher discards all messages. Use this when outbound messaging is
// disabled.
type NoopPublisher struct{}

// NewNoopPublisher creates a new noop publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (n *NoopPublisher) PublishResponse(context.Context, []byte) error { return nil }

func (n *NoopPublisher) PublishActivation(context.Context, model.ActivationWatcherEvent) error {
	return nil
}

func (n *NoopPublisher) PublishNotification(context.Context, model.Notification) error { return nil }

// Close does nothing.
func (n *NoopPublisher) Close() error { return nil }

// Verify interface compliance.
var _ Publisher = (*NoopPublisher)(nil)

// CapturePublisher records published messages for assertions in tests.
type CapturePublisher struct {
	mu            sync.Mutex
	Responses     [][]byte
	Activations   []model.ActivationWatcherEvent
	Notifications []model.Notification
}

// NewCapturePublisher creates an empty capture publisher.
func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{}
}

func (c *CapturePublisher) PublishResponse(_ context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = append(c.Responses, append([]byte(nil), body...))
	return nil
}

func (c *CapturePublisher) PublishActivation(_ context.Context, event model.ActivationWatcherEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Activations = append(c.Activations, event)
	return nil
}

func (c *CapturePublisher) PublishNotification(_ context.Context, n model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications = append(c.Notifications, n)
	return nil
}

// Close does nothing.
func (c *CapturePublisher) Close() error { return nil }

// Snapshot returns copies of the captured slices.
func (c *CapturePublisher) Snapshot() ([][]byte, []model.ActivationWatcherEvent, []model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.Responses...),
		append([]model.ActivationWatcherEvent(nil), c.Activations...),
		append([]model.Notification(nil), c.Notifications...)
}

// Verify interface compliance.
var _ Publisher = (*CapturePublisher)(nil)
