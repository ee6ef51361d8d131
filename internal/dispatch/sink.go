package dispatch

import (
	"context"
	"sync"

	"askbridge/internal/tracker"
)

// Sink delivers a terminal notification to one destination. Deliveries run
// on the dispatcher goroutine with a bounded context; a sink that cannot
// finish in time loses that delivery.
type Sink interface {
	Emit(ctx context.Context, notification tracker.Notification) error
}

// MemorySink records notifications for tests.
type MemorySink struct {
	mu            sync.Mutex
	notifications []tracker.Notification
	err           error
	block         chan struct{}
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (sink *MemorySink) Emit(ctx context.Context, notification tracker.Notification) error {
	if sink == nil {
		return nil
	}
	sink.mu.Lock()
	block := sink.block
	sink.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.notifications = append(sink.notifications, notification)
	return sink.err
}

func (sink *MemorySink) Notifications() []tracker.Notification {
	if sink == nil {
		return nil
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	notifications := make([]tracker.Notification, len(sink.notifications))
	copy(notifications, sink.notifications)
	return notifications
}

func (sink *MemorySink) SetError(err error) {
	if sink == nil {
		return
	}
	sink.mu.Lock()
	sink.err = err
	sink.mu.Unlock()
}

// Block makes Emit wait on the returned channel until it is closed, to
// simulate a slow destination.
func (sink *MemorySink) Block() chan struct{} {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.block = make(chan struct{})
	return sink.block
}
