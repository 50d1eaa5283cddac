// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package format turns a mutation into a canonical audit.Event.
package format

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/translation"
)

// Fixed change messages.
const (
	MessageCreated  = "Created new object"
	MessageDeleted  = "Deleted object"
	MessageModified = "Object modified"
)

// ErrNoSubject is returned when neither a before nor an after state is given.
var ErrNoSubject = errors.New("audit event needs a before or after state")

// OrgResolver looks up the organizational attributes of an actor's primary
// active assignment. A nil result means the actor has none.
type OrgResolver interface {
	Resolve(actor *audit.Actor) (*audit.OrgAttributes, error)
}

// OrgResolverFunc adapts a function to OrgResolver.
type OrgResolverFunc func(actor *audit.Actor) (*audit.OrgAttributes, error)

// Resolve calls f.
func (f OrgResolverFunc) Resolve(actor *audit.Actor) (*audit.OrgAttributes, error) {
	return f(actor)
}

// Formatter builds events from before/after states.
type Formatter struct {
	registry   *registry.Registry
	translator *translation.Translator
	org        OrgResolver
	logger     *zap.Logger
}

// Option customizes a Formatter.
type Option func(*Formatter)

// WithOrgResolver enables organizational attributes on actors.
func WithOrgResolver(r OrgResolver) Option {
	return func(f *Formatter) { f.org = r }
}

// New creates a Formatter. Field labels come from translator.
func New(reg *registry.Registry, translator *translation.Translator, logger *zap.Logger, opts ...Option) *Formatter {
	f := &Formatter{
		registry:   reg,
		translator: translator,
		logger:     logger.Named("formatter"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format builds the event for action on after, or on before when after is nil.
// Only the organizational attribute lookup is guarded; other failures are
// returned to the caller.
func (f *Formatter) Format(action audit.Action, before, after registry.Entity, actor *audit.Actor, req *audit.RequestInfo, extra map[string]any) (*audit.Event, error) {
	subject := after
	if isNil(subject) {
		subject = before
	}
	if isNil(subject) {
		return nil, ErrNoSubject
	}

	objectType := f.ObjectType(subject)
	event := &audit.Event{
		Action:     action,
		ObjectType: objectType,
		ObjectRepr: subject.String(),
	}
	if pk := subject.PrimaryKey(); pk != "" {
		event.ObjectID = &pk
	}

	if actor != nil {
		event.User = &audit.UserInfo{
			ID:       actor.ID,
			Username: actor.DisplayName(),
			Org:      f.resolveOrg(actor),
		}
	}
	if req != nil {
		info := *req
		event.Request = &info
	}

	switch {
	case action == audit.ActionChange && !isNil(before) && !isNil(after):
		rows := f.Diff(objectType, before, after)
		if len(rows) == 0 {
			event.ChangeMessage = audit.TextMessage(MessageModified)
		} else {
			event.ChangeMessage = audit.TableMessage(rows)
		}
	case action == audit.ActionAdd:
		event.ChangeMessage = audit.TextMessage(MessageCreated)
	case action == audit.ActionDelete:
		event.ChangeMessage = audit.TextMessage(MessageDeleted)
	default:
		event.ChangeMessage = audit.TextMessage("Action: " + string(action))
	}

	event.MergeExtra(extra)
	return event, nil
}

// ObjectType returns the registered key of e, or its lower-cased Go type
// name with a warning when the type is not registered.
func (f *Formatter) ObjectType(e registry.Entity) string {
	key := strings.ToLower(e.EntityType())
	if f.registry != nil && f.registry.IsRegistered(key) {
		return key
	}
	if _, ok := e.(registry.Ref); ok {
		return key
	}
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := strings.ToLower(t.Name())
	if name == "" {
		name = key
	}
	f.logger.Warn("formatting event for unregistered entity type",
		zap.String("entity_type", key),
		zap.String("object_type", name))
	return name
}

func (f *Formatter) resolveOrg(actor *audit.Actor) (org *audit.OrgAttributes) {
	if f.org == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Debug("organizational attribute lookup panicked",
				zap.String("user_id", actor.ID),
				zap.Any("panic", r))
			org = nil
		}
	}()
	org, err := f.org.Resolve(actor)
	if err != nil {
		f.logger.Debug("organizational attributes unavailable",
			zap.String("user_id", actor.ID),
			zap.Error(err))
		return nil
	}
	return org
}

// Diff returns one row per field present in both states whose value changed,
// ordered by field name.
func (f *Formatter) Diff(objectType string, before, after registry.Entity) []audit.ChangeRow {
	old := registry.Snapshot(before)
	cur := registry.Snapshot(after)

	var desc registry.Descriptor
	if f.registry != nil {
		desc, _ = f.registry.ModelInfo(objectType)
	}

	fields := make([]string, 0, len(old))
	for name := range old {
		if _, ok := cur[name]; ok {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)

	var rows []audit.ChangeRow
	for _, name := range fields {
		oldVal, newVal := old[name], cur[name]
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		info, _ := desc.Field(name)
		rows = append(rows, audit.ChangeRow{
			Field:    f.label(name, objectType),
			OldValue: renderValue(oldVal, info.Choices),
			NewValue: renderValue(newVal, info.Choices),
		})
	}
	return rows
}

func (f *Formatter) label(field, objectType string) string {
	if f.translator != nil {
		return f.translator.DisplayForField(field, objectType)
	}
	return field
}

// renderValue renders v for a change row: slices become []string, choice
// fields their label. Other scalars keep their type so numbers and booleans
// stay JSON numbers and booleans; times are RFC 3339 strings.
func renderValue(v any, choices map[string]string) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]string, rv.Len())
		for i := range out {
			out[i] = fmt.Sprint(renderScalar(rv.Index(i).Interface(), choices))
		}
		return out
	}
	return renderScalar(v, choices)
}

func renderScalar(v any, choices map[string]string) any {
	if v == nil {
		return nil
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	if label, ok := choices[fmt.Sprint(v)]; ok {
		return label
	}
	return v
}

func isNil(e registry.Entity) bool {
	if e == nil {
		return true
	}
	rv := reflect.ValueOf(e)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
