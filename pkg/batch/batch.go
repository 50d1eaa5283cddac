// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package batch correlates the events of one bulk operation under a shared
// batch id and reports collected errors in a single summary event.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/metrics"
)

// MaxReportedErrors caps the errors included in a summary event.
const MaxReportedErrors = 20

// Keys added to events by a batch.
const (
	KeyBatchID        = "batch_id"
	KeyBatchAction    = "batch_action"
	KeyIsBatchSummary = "is_batch_summary"
	KeyTotalProcessed = "total_processed"
	KeyErrorCount     = "error_count"
	KeyErrors         = "errors"
)

// ErrorRecord is one error collected during a batch.
type ErrorRecord struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Batch is the state of one bulk operation. It is safe for concurrent use.
type Batch struct {
	ID         string
	Action     audit.Action
	EntityType string
	Actor      *audit.Actor
	Request    *audit.RequestInfo

	extra map[string]any

	mu     sync.Mutex
	count  int
	errors []ErrorRecord
	ended  bool
}

// Metadata returns the keys stamped on every event emitted during the batch.
// Caller-supplied extra keys are merged last.
func (b *Batch) Metadata() map[string]any {
	md := map[string]any{
		KeyBatchID:     b.ID,
		KeyBatchAction: string(b.Action),
	}
	for k, v := range b.extra {
		md[k] = v
	}
	return md
}

// IncrementCount records one processed object.
func (b *Batch) IncrementCount() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
}

// AddError records an error. All errors are kept; only the summary is capped.
func (b *Batch) AddError(message string, errCtx map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, ErrorRecord{Message: message, Context: errCtx})
}

// Count returns the number of processed objects.
func (b *Batch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Errors returns a copy of every recorded error.
func (b *Batch) Errors() []ErrorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ErrorRecord, len(b.errors))
	copy(out, b.errors)
	return out
}

// Ended reports whether End has run for this batch.
func (b *Batch) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

type batchKey struct{}

// FromContext returns the active batch, or nil when none is active or it has ended.
func FromContext(ctx context.Context) *Batch {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(batchKey{}).(*Batch)
	if b == nil || b.Ended() {
		return nil
	}
	return b
}

// DisplayNamer resolves an entity type key to its display name.
type DisplayNamer interface {
	DisplayForEntity(typeKey string) string
}

// Correlator starts and finishes batches.
type Correlator struct {
	delivery audit.Delivery
	names    DisplayNamer
	logger   *zap.Logger
	newID    func() string
}

// NewCorrelator creates a Correlator delivering summaries through delivery.
func NewCorrelator(delivery audit.Delivery, names DisplayNamer, logger *zap.Logger) *Correlator {
	return &Correlator{
		delivery: delivery,
		names:    names,
		logger:   logger.Named("batch"),
		newID:    uuid.NewString,
	}
}

// Begin creates a batch and returns a context carrying it.
func (c *Correlator) Begin(ctx context.Context, action audit.Action, entityType string, actor *audit.Actor, req *audit.RequestInfo, extra map[string]any) (context.Context, *Batch) {
	b := &Batch{
		ID:         c.newID(),
		Action:     action,
		EntityType: entityType,
		Actor:      actor,
		Request:    req,
		extra:      make(map[string]any, len(extra)),
	}
	for k, v := range extra {
		b.extra[k] = v
	}

	metrics.AuditBatchesStarted.WithLabelValues(string(action)).Inc()
	c.logger.Debug("batch started",
		zap.String("batch_id", b.ID),
		zap.String("action", string(action)),
		zap.String("entity_type", entityType))

	return context.WithValue(ctx, batchKey{}, b), b
}

// End finishes b. When errors were recorded, one summary event is delivered.
// Calling End more than once has no further effect. Delivery failures are
// logged, never returned.
func (c *Correlator) End(ctx context.Context, b *Batch) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return
	}
	b.ended = true
	count := b.count
	errs := make([]ErrorRecord, len(b.errors))
	copy(errs, b.errors)
	b.mu.Unlock()

	c.logger.Debug("batch finished",
		zap.String("batch_id", b.ID),
		zap.Int("processed", count),
		zap.Int("errors", len(errs)))

	if len(errs) == 0 {
		return
	}

	event := c.summary(b, count, errs)
	metrics.AuditBatchSummaries.WithLabelValues(string(b.Action)).Inc()
	if err := c.delivery.Deliver(ctx, event); err != nil {
		c.logger.Error("failed to deliver batch summary",
			zap.String("batch_id", b.ID),
			zap.Error(err))
	}
}

func (c *Correlator) summary(b *Batch, count int, errs []ErrorRecord) *audit.Event {
	typeName := b.EntityType
	if c.names != nil {
		typeName = c.names.DisplayForEntity(b.EntityType)
	}

	reported := errs
	if len(reported) > MaxReportedErrors {
		reported = reported[:MaxReportedErrors]
	}

	event := &audit.Event{
		Action:     b.Action,
		ObjectType: typeName,
		ChangeMessage: audit.TextMessage(fmt.Sprintf(
			"Batch %s: %d %s object(s) processed with %d error(s)",
			b.Action.Verb(), count, typeName, len(errs))),
	}
	if b.Actor != nil {
		event.User = &audit.UserInfo{ID: b.Actor.ID, Username: b.Actor.DisplayName()}
	}
	if b.Request != nil {
		info := *b.Request
		event.Request = &info
	}
	event.MergeExtra(b.Metadata())
	event.MergeExtra(map[string]any{
		KeyIsBatchSummary: true,
		KeyTotalProcessed: count,
		KeyErrorCount:     len(errs),
		KeyErrors:         reported,
	})
	return event
}

// Run begins a batch, runs fn with it and ends it exactly once, also when fn
// returns an error or panics.
func (c *Correlator) Run(ctx context.Context, action audit.Action, entityType string, actor *audit.Actor, req *audit.RequestInfo, extra map[string]any, fn func(ctx context.Context, b *Batch) error) error {
	ctx, b := c.Begin(ctx, action, entityType, actor, req, extra)
	defer c.End(ctx, b)
	return fn(ctx, b)
}
