/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/metrics"
)

// ErrQueueFull is returned when an asynchronous sink cannot accept more events.
var ErrQueueFull = errors.New("audit queue is full")

// QueuedSinkConfig configures a QueuedSink.
type QueuedSinkConfig struct {
	// QueueSize is the size of the async event queue.
	// Default: 10000
	QueueSize int

	// WorkerCount is the number of async processing workers.
	// Default: 2
	WorkerCount int

	// WriteTimeout is the timeout for writing to the underlying sink.
	// Default: 10s
	WriteTimeout time.Duration
}

// DefaultQueuedSinkConfig returns the defaults for a queued sink.
func DefaultQueuedSinkConfig() QueuedSinkConfig {
	return QueuedSinkConfig{
		QueueSize:    10000,
		WorkerCount:  2,
		WriteTimeout: 10 * time.Second,
	}
}

// QueuedSinkHealth represents the health status of a queued sink.
type QueuedSinkHealth struct {
	Name            string    `json:"name"`
	Healthy         bool      `json:"healthy"`
	QueueLength     int       `json:"queueLength"`
	QueueCapacity   int       `json:"queueCapacity"`
	DroppedEvents   int64     `json:"droppedEvents"`
	ProcessedEvents int64     `json:"processedEvents"`
	FailedEvents    int64     `json:"failedEvents"`
	LastError       string    `json:"lastError,omitempty"`
	LastErrorTime   time.Time `json:"lastErrorTime,omitempty"`
	LastSuccessTime time.Time `json:"lastSuccessTime,omitempty"`
}

// QueuedSink publishes to the wrapped sink from background workers. Write
// returns once the event is enqueued; publish failures are logged by the
// workers and never reach the caller.
type QueuedSink struct {
	sink   Sink
	queue  chan *Event
	config QueuedSinkConfig
	logger *zap.Logger

	droppedEvents   atomic.Int64
	processedEvents atomic.Int64
	failedEvents    atomic.Int64

	mu              sync.RWMutex
	lastError       string
	lastErrorTime   time.Time
	lastSuccessTime time.Time

	// closeMu orders Write's enqueue against Close's close(queue).
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewQueuedSink creates a new QueuedSink and starts its workers.
func NewQueuedSink(sink Sink, cfg QueuedSinkConfig, logger *zap.Logger) *QueuedSink {
	defaults := DefaultQueuedSinkConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaults.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	qs := &QueuedSink{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("queued-sink").With(zap.String("sink", sink.Name())),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		qs.wg.Add(1)
		go qs.processQueue(i)
	}

	qs.logger.Info("queued sink started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("write_timeout", cfg.WriteTimeout))

	return qs
}

// Write enqueues an event without blocking.
func (qs *QueuedSink) Write(_ context.Context, event *Event) error {
	qs.closeMu.RLock()
	defer qs.closeMu.RUnlock()

	if qs.closed {
		return ErrSinkClosed
	}

	select {
	case qs.queue <- event:
		return nil
	default:
		qs.droppedEvents.Add(1)
		metrics.AuditEventsDropped.WithLabelValues(qs.sink.Name(), "queue_full").Inc()
		return ErrQueueFull
	}
}

func (qs *QueuedSink) processQueue(workerID int) {
	defer qs.wg.Done()

	for event := range qs.queue {
		ctx, cancel := context.WithTimeout(context.Background(), qs.config.WriteTimeout)
		err := qs.sink.Write(ctx, event)
		cancel()

		if err != nil {
			qs.failedEvents.Add(1)
			reason := "write"
			if errors.Is(err, ErrCircuitOpen) {
				reason = "circuit_open"
			}
			metrics.AuditEventsDropped.WithLabelValues(qs.sink.Name(), reason).Inc()

			qs.mu.Lock()
			qs.lastError = err.Error()
			qs.lastErrorTime = time.Now()
			qs.mu.Unlock()

			qs.logger.Error("failed to publish audit event",
				zap.Int("worker", workerID),
				zap.String("log_id", event.LogID),
				zap.String("action", string(event.Action)),
				zap.String("object_type", event.ObjectType),
				zap.String("error", err.Error()))
			continue
		}

		qs.processedEvents.Add(1)
		metrics.AuditEventsProcessed.WithLabelValues(qs.sink.Name()).Inc()

		qs.mu.Lock()
		qs.lastSuccessTime = time.Now()
		qs.mu.Unlock()
	}
}

// Health returns the current health status of this sink.
func (qs *QueuedSink) Health() QueuedSinkHealth {
	qs.mu.RLock()
	lastError := qs.lastError
	lastErrorTime := qs.lastErrorTime
	lastSuccessTime := qs.lastSuccessTime
	qs.mu.RUnlock()

	queueLen := len(qs.queue)
	queueCap := cap(qs.queue)

	// Healthy while the queue is below 80% and the last error, if any, is
	// older than the last success.
	healthy := float64(queueLen) < float64(queueCap)*0.8 &&
		(lastErrorTime.IsZero() || lastSuccessTime.After(lastErrorTime))

	return QueuedSinkHealth{
		Name:            qs.sink.Name(),
		Healthy:         healthy,
		QueueLength:     queueLen,
		QueueCapacity:   queueCap,
		DroppedEvents:   qs.droppedEvents.Load(),
		ProcessedEvents: qs.processedEvents.Load(),
		FailedEvents:    qs.failedEvents.Load(),
		LastError:       lastError,
		LastErrorTime:   lastErrorTime,
		LastSuccessTime: lastSuccessTime,
	}
}

// Close stops accepting events, drains the queue and closes the wrapped sink.
func (qs *QueuedSink) Close() error {
	qs.closeMu.Lock()
	if qs.closed {
		qs.closeMu.Unlock()
		return nil
	}
	qs.closed = true
	close(qs.queue)
	qs.closeMu.Unlock()

	qs.wg.Wait()
	return qs.sink.Close()
}

// Name returns the underlying sink's name.
func (qs *QueuedSink) Name() string {
	return qs.sink.Name()
}

// Unwrap returns the wrapped sink.
func (qs *QueuedSink) Unwrap() Sink {
	return qs.sink
}

// EnsureStream forwards to the wrapped sink when it supports it.
func (qs *QueuedSink) EnsureStream(ctx context.Context) error {
	if e, ok := qs.sink.(StreamEnsurer); ok {
		return e.EnsureStream(ctx)
	}
	return nil
}
