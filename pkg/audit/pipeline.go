/*
Copyright 2024.

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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/telemetry"
)

// ErrNoBroker is returned when broker delivery is enabled but no broker sink is configured.
var ErrNoBroker = errors.New("no audit broker configured")

// Delivery hands a finished event to its destinations.
type Delivery interface {
	Deliver(ctx context.Context, event *Event) error
}

// StreamEnsurer is implemented by broker sinks that can create their stream ahead of time.
type StreamEnsurer interface {
	EnsureStream(ctx context.Context) error
}

// Pipeline stamps events and delivers them: always to the local log, then to
// the broker unless the kill switch is set.
type Pipeline struct {
	local  Sink
	logger *zap.Logger

	mu     sync.RWMutex
	broker *brokerRef

	brokerDisabled atomic.Bool

	// circuitWarn throttles the warning logged for fail-fast rejections.
	circuitWarn rate.Sometimes

	now   func() time.Time
	newID func() string
}

// brokerRef counts the publishes in flight on one broker so that a swapped
// out broker is only handed back once they have finished.
type brokerRef struct {
	sink     Sink
	inflight sync.WaitGroup
}

func newBrokerRef(sink Sink) *brokerRef {
	if sink == nil {
		return nil
	}
	return &brokerRef{sink: sink}
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithBroker sets the broker sink.
func WithBroker(sink Sink) PipelineOption {
	return func(p *Pipeline) { p.broker = newBrokerRef(sink) }
}

// WithBrokerDisabled sets the initial state of the kill switch.
func WithBrokerDisabled(disabled bool) PipelineOption {
	return func(p *Pipeline) { p.brokerDisabled.Store(disabled) }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a delivery pipeline writing to local first.
func NewPipeline(local Sink, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		local:       local,
		logger:      logger.Named("audit-pipeline"),
		circuitWarn: rate.Sometimes{Interval: 30 * time.Second},
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver stamps log_id and timestamp, serializes once, writes the local log
// and, unless broker delivery is disabled, publishes to the broker and waits
// for the result. A broker failure is logged and returned; the local write
// has already happened by then.
//
// The local write always succeeds from the caller's point of view: a failing
// local sink is logged and counted in audit_local_writes_total but never
// returned. The only errors are a nil or unserializable event and broker
// failures, including ErrNoBroker.
func (p *Pipeline) Deliver(ctx context.Context, event *Event) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.deliver", trace.WithSpanKind(trace.SpanKindProducer))
	defer func() {
		if event != nil {
			span.SetAttributes(
				attribute.String("audit.log_id", event.LogID),
				attribute.String("audit.action", string(event.Action)),
				attribute.String("audit.object_type", event.ObjectType),
			)
		}
		span.SetAttributes(attribute.Bool("audit.broker_disabled", p.brokerDisabled.Load()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return p.deliver(ctx, event)
}

func (p *Pipeline) deliver(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil audit event")
	}

	event.LogID = p.newID()
	event.Timestamp = p.now().UTC()
	event.encoded = nil

	if _, err := event.Encode(); err != nil {
		p.logger.Error("dropping audit event that cannot be serialized",
			zap.String("log_id", event.LogID),
			zap.String("action", string(event.Action)),
			zap.String("object_type", event.ObjectType),
			zap.Error(err))
		metrics.AuditLocalWrites.WithLabelValues("error").Inc()
		return err
	}
	metrics.AuditEventsDelivered.WithLabelValues(string(event.Action)).Inc()

	if err := p.local.Write(ctx, event); err != nil {
		metrics.AuditLocalWrites.WithLabelValues("error").Inc()
		p.logger.Error("failed to write local audit log",
			zap.String("log_id", event.LogID),
			zap.Error(err))
	} else {
		metrics.AuditLocalWrites.WithLabelValues("success").Inc()
	}

	if p.brokerDisabled.Load() {
		metrics.AuditBrokerSkipped.Inc()
		return nil
	}

	p.mu.RLock()
	ref := p.broker
	if ref != nil {
		ref.inflight.Add(1)
	}
	p.mu.RUnlock()

	if ref == nil {
		p.logger.Warn("broker delivery enabled but no broker configured",
			zap.String("log_id", event.LogID))
		return ErrNoBroker
	}
	defer ref.inflight.Done()
	broker := ref.sink

	if err := broker.Write(ctx, event); err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			p.circuitWarn.Do(func() {
				p.logger.Warn("audit broker unavailable, publishes are failing fast",
					zap.String("sink", broker.Name()))
			})
		} else {
			p.logger.Error("failed to publish audit event",
				zap.String("sink", broker.Name()),
				zap.String("log_id", event.LogID),
				zap.String("action", string(event.Action)),
				zap.String("object_type", event.ObjectType),
				zap.Error(err))
		}
		return fmt.Errorf("publish audit event %s: %w", event.LogID, err)
	}

	return nil
}

// SetBrokerDeliveryDisabled flips the kill switch at runtime.
func (p *Pipeline) SetBrokerDeliveryDisabled(disabled bool) {
	if p.brokerDisabled.Swap(disabled) != disabled {
		p.logger.Info("broker delivery toggled", zap.Bool("disabled", disabled))
	}
}

// BrokerDeliveryDisabled reports the kill switch state.
func (p *Pipeline) BrokerDeliveryDisabled() bool {
	return p.brokerDisabled.Load()
}

// Broker returns the current broker sink, or nil.
func (p *Pipeline) Broker() Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.broker == nil {
		return nil
	}
	return p.broker.sink
}

// SwapBroker replaces the broker sink and returns the previous one, which the
// caller is responsible for closing. It blocks until publishes already in
// flight on the previous broker have returned; new publishes use sink.
func (p *Pipeline) SwapBroker(sink Sink) Sink {
	p.mu.Lock()
	prev := p.broker
	p.broker = newBrokerRef(sink)
	p.mu.Unlock()

	if prev == nil {
		return nil
	}
	prev.inflight.Wait()
	return prev.sink
}

// EnsureStream asks the broker sink to create its stream ahead of the first publish.
func (p *Pipeline) EnsureStream(ctx context.Context) error {
	broker := p.Broker()
	if broker == nil {
		return ErrNoBroker
	}
	if e, ok := broker.(StreamEnsurer); ok {
		return e.EnsureStream(ctx)
	}
	return nil
}

// Close closes the broker and the local sink.
func (p *Pipeline) Close() error {
	var errs []error
	if broker := p.SwapBroker(nil); broker != nil {
		if err := broker.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.local.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
