// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package capture turns persistence lifecycle hooks into audit events.
//
// A repository calls the four hooks around each write, inside a UnitOfWork:
//
//	ctx, uow := capture.Begin(ctx)
//	c.BeforeSave(ctx, e)
//	// persist e
//	c.AfterSave(ctx, e, created)
//	uow.Commit()
//
// Hooks never return errors and never panic into the caller. Failures are
// logged and counted.
package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/batch"
	"github.com/telekom/audit-trail/pkg/format"
	"github.com/telekom/audit-trail/pkg/metrics"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/requestcontext"
)

// Extra keys describing the dependent object behind a redirected event.
const (
	KeySourceModel = "source_model"
	KeySourcePK    = "source_pk"
	KeySourceRepr  = "source_repr"
)

// Loader reads persisted state for the capture hooks.
type Loader interface {
	// Load returns the persisted instance of entityType with primary key pk.
	Load(ctx context.Context, entityType, pk string) (registry.Entity, bool, error)
	// FindRelated returns the live instances of entityType whose field equals value.
	FindRelated(ctx context.Context, entityType, field, value string) ([]registry.Entity, error)
}

// Capturer binds the registry, formatter and delivery pipeline to the
// persistence hooks.
type Capturer struct {
	registry   *registry.Registry
	formatter  *format.Formatter
	delivery   audit.Delivery
	correlator *batch.Correlator
	loader     Loader
	logger     *zap.Logger

	sessionCookie string

	// fallback serves hooks called without a unit on ctx. Its cascade marks
	// are consumed one by one by the suppressed children.
	fallbackOnce sync.Once
	fallback     *UnitOfWork
}

// Option customizes a Capturer.
type Option func(*Capturer)

// WithSessionCookie sets the cookie read as the session key.
func WithSessionCookie(name string) Option {
	return func(c *Capturer) {
		if name != "" {
			c.sessionCookie = name
		}
	}
}

// WithCorrelator sets the batch correlator exposed by Correlator.
func WithCorrelator(corr *batch.Correlator) Option {
	return func(c *Capturer) { c.correlator = corr }
}

// New creates a Capturer.
func New(reg *registry.Registry, formatter *format.Formatter, delivery audit.Delivery, loader Loader, logger *zap.Logger, opts ...Option) *Capturer {
	c := &Capturer{
		registry:      reg,
		formatter:     formatter,
		delivery:      delivery,
		loader:        loader,
		logger:        logger.Named("capture"),
		sessionCookie: requestcontext.DefaultSessionCookie,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register enables capture for prototype's type. It is idempotent and
// reports whether the type was newly registered.
func (c *Capturer) Register(prototype registry.Entity, opts ...registry.Option) bool {
	added := c.registry.Register(prototype, opts...)
	if added {
		c.logger.Debug("audit capture enabled", zap.String("entity_type", prototype.EntityType()))
	}
	return added
}

// Registry returns the registry backing c.
func (c *Capturer) Registry() *registry.Registry { return c.registry }

// Correlator returns the batch correlator, or nil when none was configured.
func (c *Capturer) Correlator() *batch.Correlator { return c.correlator }

// SetLoader replaces the persistence collaborator.
func (c *Capturer) SetLoader(l Loader) { c.loader = l }

func (c *Capturer) unit(ctx context.Context) *UnitOfWork {
	if u := FromContext(ctx); u != nil {
		return u
	}
	c.fallbackOnce.Do(func() {
		c.fallback = newUnitOfWork()
		c.fallback.autocommit = true
	})
	return c.fallback
}

func (c *Capturer) registered(e registry.Entity) (string, bool) {
	if e == nil {
		return "", false
	}
	key := strings.ToLower(e.EntityType())
	return key, c.registry.IsRegistered(key)
}

func (c *Capturer) guard(hook string, e registry.Entity) {
	if r := recover(); r != nil {
		metrics.AuditCaptureFailures.WithLabelValues(hook).Inc()
		c.logger.Error("audit hook panicked",
			zap.String("hook", hook),
			zap.String("entity_type", e.EntityType()),
			zap.String("pk", e.PrimaryKey()),
			zap.Any("panic", r))
	}
}

func (c *Capturer) fail(hook string, e registry.Entity, msg string, err error) {
	metrics.AuditCaptureFailures.WithLabelValues(hook).Inc()
	c.logger.Error(msg,
		zap.String("hook", hook),
		zap.String("entity_type", e.EntityType()),
		zap.String("pk", e.PrimaryKey()),
		zap.Error(err))
}

// BeforeSave stashes the persisted state of an existing instance so that
// AfterSave can diff against it. It does nothing for unsaved instances.
func (c *Capturer) BeforeSave(ctx context.Context, e registry.Entity) {
	key, ok := c.registered(e)
	if !ok || e.PrimaryKey() == "" || c.loader == nil {
		return
	}
	defer c.guard("before_save", e)

	prev, found, err := c.loader.Load(ctx, key, e.PrimaryKey())
	if err != nil {
		c.fail("before_save", e, "failed to load persisted state", err)
		return
	}
	if !found {
		return
	}
	c.unit(ctx).stashSaved(keyOf(e), prev)
}

// AfterSave emits the event for a completed save.
func (c *Capturer) AfterSave(ctx context.Context, e registry.Entity, created bool) {
	key, ok := c.registered(e)
	if !ok {
		return
	}
	defer c.guard("after_save", e)

	before := c.unit(ctx).takeSaved(keyOf(e))

	var (
		event *audit.Event
		err   error
	)
	if target, link, redirect := c.registry.RedirectTarget(key); redirect {
		verb := "Modified"
		if created {
			verb = "Added"
		}
		parent, found := c.relatedTarget(ctx, e, target, link)
		if !found {
			c.logger.Debug("no related target for redirected save",
				zap.String("entity_type", key),
				zap.String("target", target))
			return
		}
		event, err = c.redirected(ctx, e, parent, verb)
	} else {
		action := audit.ActionChange
		if created {
			action = audit.ActionAdd
			before = nil
		}
		event, err = c.format(ctx, action, before, e, nil)
	}
	if err != nil {
		c.fail("after_save", e, "failed to format audit event", err)
		return
	}
	c.emit(ctx, "after_save", e, event)
}

// BeforeDelete stashes the state of an instance about to be deleted.
func (c *Capturer) BeforeDelete(ctx context.Context, e registry.Entity) {
	if _, ok := c.registered(e); !ok {
		return
	}
	defer c.guard("before_delete", e)
	c.unit(ctx).stashDeleted(keyOf(e), e)
}

// AfterDelete emits the event for a completed delete, or nothing when the
// instance was marked as a cascade child of a deleted parent.
func (c *Capturer) AfterDelete(ctx context.Context, e registry.Entity) {
	key, ok := c.registered(e)
	if !ok {
		return
	}
	defer c.guard("after_delete", e)

	u := c.unit(ctx)
	k := keyOf(e)
	subject := u.takeDeleted(k)
	if subject == nil {
		subject = e
	}

	if u.consumeMark(key, e.PrimaryKey()) {
		metrics.AuditCascadeSuppressed.Inc()
		c.logger.Debug("suppressed cascade delete",
			zap.String("entity_type", key),
			zap.String("pk", e.PrimaryKey()))
		return
	}
	if !u.autocommit {
		defer u.OnCommit(u.ClearMarks)
	}

	var (
		event *audit.Event
		err   error
	)
	if target, link, redirect := c.registry.RedirectTarget(key); redirect {
		if parent, found := c.relatedTarget(ctx, subject, target, link); found {
			event, err = c.redirected(ctx, subject, parent, "Deleted")
		} else {
			event, err = c.format(ctx, audit.ActionDelete, subject, nil, nil)
		}
	} else {
		event, err = c.format(ctx, audit.ActionDelete, subject, nil, nil)
		c.markDependents(ctx, u, key, subject.PrimaryKey())
	}
	if err != nil {
		c.fail("after_delete", e, "failed to format audit event", err)
		return
	}
	c.emit(ctx, "after_delete", e, event)
}

// markDependents marks every live child whose type redirects to key.
func (c *Capturer) markDependents(ctx context.Context, u *UnitOfWork, key, pk string) {
	if c.loader == nil || pk == "" {
		return
	}
	for _, dep := range c.registry.Dependents(key) {
		children, err := c.loader.FindRelated(ctx, dep.Key, dep.LinkField, pk)
		if err != nil {
			c.logger.Warn("failed to look up cascade children",
				zap.String("entity_type", dep.Key),
				zap.String("link_field", dep.LinkField),
				zap.Error(err))
			continue
		}
		for _, child := range children {
			u.Mark(dep.Key, child.PrimaryKey())
		}
	}
}

// relatedTarget loads the target instance referenced by e's link field.
func (c *Capturer) relatedTarget(ctx context.Context, e registry.Entity, target, link string) (registry.Entity, bool) {
	if c.loader == nil {
		return nil, false
	}
	v, ok := registry.Snapshot(e)[link]
	if !ok || v == nil {
		return nil, false
	}
	pk := fmt.Sprint(v)
	if pk == "" {
		return nil, false
	}
	parent, found, err := c.loader.Load(ctx, target, pk)
	if err != nil {
		c.logger.Warn("failed to load redirect target",
			zap.String("target", target),
			zap.String("pk", pk),
			zap.Error(err))
		return nil, false
	}
	return parent, found
}

func (c *Capturer) redirected(ctx context.Context, source, parent registry.Entity, verb string) (*audit.Event, error) {
	sourceType := source.EntityType()
	name := sourceType
	if desc, ok := c.registry.ModelInfo(sourceType); ok && desc.VerboseName != "" {
		name = desc.VerboseName
	}
	event, err := c.format(ctx, audit.ActionChange, nil, parent, map[string]any{
		KeySourceModel: sourceType,
		KeySourcePK:    source.PrimaryKey(),
		KeySourceRepr:  source.String(),
	})
	if err != nil {
		return nil, err
	}
	event.ChangeMessage = audit.TextMessage(fmt.Sprintf("%s %s: %s", verb, name, source.String()))
	metrics.AuditRedirectedEvents.WithLabelValues(sourceType, parent.EntityType()).Inc()
	return event, nil
}

func (c *Capturer) format(ctx context.Context, action audit.Action, before, after registry.Entity, extra map[string]any) (*audit.Event, error) {
	return c.formatter.Format(action, before, after,
		requestcontext.User(ctx),
		requestcontext.Info(ctx, c.sessionCookie),
		extra)
}

// emit attaches batch metadata and delivers event.
func (c *Capturer) emit(ctx context.Context, hook string, e registry.Entity, event *audit.Event) {
	if b := batch.FromContext(ctx); b != nil {
		event.MergeExtra(b.Metadata())
		b.IncrementCount()
	}
	metrics.AuditEventsCaptured.WithLabelValues(string(event.Action)).Inc()
	if err := c.delivery.Deliver(ctx, event); err != nil {
		c.fail(hook, e, "failed to deliver audit event", err)
	}
}

// LogOption overrides the defaults of LogEvent.
type LogOption func(*logOptions)

type logOptions struct {
	actor   *audit.Actor
	request *audit.RequestInfo
}

// WithActor sets the actor instead of the current request's user.
func WithActor(actor *audit.Actor) LogOption {
	return func(o *logOptions) { o.actor = actor }
}

// WithRequest sets the request metadata instead of the current request's.
func WithRequest(info *audit.RequestInfo) LogOption {
	return func(o *logOptions) { o.request = info }
}

// LogEvent records an action that no persistence hook observes, such as a
// login or a password reset. Actor and request default to the current
// request. Errors are logged and returned.
func (c *Capturer) LogEvent(ctx context.Context, action audit.Action, before, after registry.Entity, extra map[string]any, opts ...LogOption) (*audit.Event, error) {
	o := logOptions{
		actor:   requestcontext.User(ctx),
		request: requestcontext.Info(ctx, c.sessionCookie),
	}
	for _, opt := range opts {
		opt(&o)
	}

	event, err := c.formatter.Format(action, before, after, o.actor, o.request, extra)
	if err != nil {
		c.logger.Error("failed to format manual audit event",
			zap.String("action", string(action)),
			zap.Error(err))
		return nil, err
	}
	if b := batch.FromContext(ctx); b != nil {
		event.MergeExtra(b.Metadata())
		b.IncrementCount()
	}
	metrics.AuditEventsCaptured.WithLabelValues(string(action)).Inc()
	if err := c.delivery.Deliver(ctx, event); err != nil {
		c.logger.Error("failed to deliver manual audit event",
			zap.String("action", string(action)),
			zap.Error(err))
		return event, err
	}
	return event, nil
}
