// Package dispatch moves terminal notifications from the tracker to their
// destinations without ever blocking a poll loop. Enqueue is non-blocking;
// a dedicated goroutine drains the queue and fans out to the sinks.
package dispatch

import (
	"context"
	"sync"
	"time"

	"askbridge/internal/event"
	"askbridge/internal/logging"
	"askbridge/internal/metrics"
	"askbridge/internal/tracker"
)

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 5 * time.Second
)

type Options struct {
	// QueueSize bounds pending deliveries; defaults to 256. A full queue
	// drops the notification (the request stays queryable).
	QueueSize int
	// DeliveryTimeout bounds each sink call; defaults to 5s.
	DeliveryTimeout time.Duration
	Sinks           []Sink
	// Bus, when set, receives every notification as well, feeding the
	// websocket stream.
	Bus     *event.Bus[tracker.Notification]
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type Dispatcher struct {
	queue   chan tracker.Notification
	timeout time.Duration
	sinks   []Sink
	bus     *event.Bus[tracker.Notification]
	logger  *logging.Logger
	metrics *metrics.Registry

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

func New(options Options) *Dispatcher {
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := options.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	dispatcher := &Dispatcher{
		queue:   make(chan tracker.Notification, queueSize),
		timeout: timeout,
		sinks:   options.Sinks,
		bus:     options.Bus,
		logger:  options.Logger,
		metrics: options.Metrics,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go dispatcher.run()
	return dispatcher
}

// Enqueue accepts a notification without blocking. When the queue is full
// the notification is dropped and counted; querying the request still works.
func (dispatcher *Dispatcher) Enqueue(notification tracker.Notification) {
	if dispatcher == nil {
		return
	}
	select {
	case dispatcher.queue <- notification:
	default:
		if dispatcher.metrics != nil {
			dispatcher.metrics.IncNotificationDropped()
		}
		dispatcher.logError("notification queue full, delivery dropped", map[string]string{
			"request": notification.RequestID,
			"backend": notification.Backend,
		})
	}
}

// Close stops the dispatcher after draining already-queued notifications.
func (dispatcher *Dispatcher) Close() {
	if dispatcher == nil {
		return
	}
	dispatcher.closeOnce.Do(func() {
		close(dispatcher.done)
		<-dispatcher.drained
	})
}

func (dispatcher *Dispatcher) run() {
	defer close(dispatcher.drained)
	for {
		select {
		case notification := <-dispatcher.queue:
			dispatcher.deliver(notification)
		case <-dispatcher.done:
			for {
				select {
				case notification := <-dispatcher.queue:
					dispatcher.deliver(notification)
				default:
					return
				}
			}
		}
	}
}

func (dispatcher *Dispatcher) deliver(notification tracker.Notification) {
	if dispatcher.bus != nil {
		dispatcher.bus.Publish(notification)
	}
	for _, sink := range dispatcher.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), dispatcher.timeout)
		err := sink.Emit(ctx, notification)
		cancel()
		if err != nil {
			if dispatcher.metrics != nil {
				dispatcher.metrics.IncNotificationFailed()
			}
			dispatcher.logError("notification delivery failed", map[string]string{
				"request": notification.RequestID,
				"backend": notification.Backend,
				"error":   err.Error(),
			})
			continue
		}
		if dispatcher.metrics != nil {
			dispatcher.metrics.IncNotificationSent()
		}
	}
}

func (dispatcher *Dispatcher) logError(message string, fields map[string]string) {
	if dispatcher.logger != nil {
		dispatcher.logger.Error(message, fields)
	}
}
