// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FieldInfo is the display metadata of one field.
type FieldInfo struct {
	Label string
	// Choices maps the string form of a stored value to its display label.
	Choices map[string]string
}

// Redirect declares that mutations of a dependent type are logged as a
// CHANGE on another entity. LinkField names the field of the dependent type
// that holds the target's primary key.
type Redirect struct {
	// Target is either an Entity prototype or an "app.model" key.
	Target    any
	LinkField string
}

// Descriptor is the registered metadata of an entity type.
type Descriptor struct {
	Key               string
	App               string
	Model             string
	VerboseName       string
	VerboseNamePlural string
	Fields            map[string]FieldInfo
	Redirect          *Redirect

	// resolved is the target key once a string target has been looked up.
	resolved string
	// warned is set after the first failed lookup of a string target.
	warned bool
}

// Field returns the metadata of name, if any.
func (d Descriptor) Field(name string) (FieldInfo, bool) {
	f, ok := d.Fields[name]
	return f, ok
}

// Option customizes a registration.
type Option func(*Descriptor)

// WithVerboseName sets the singular and plural display names.
func WithVerboseName(singular, plural string) Option {
	return func(d *Descriptor) {
		d.VerboseName = singular
		d.VerboseNamePlural = plural
	}
}

// WithFieldLabel sets the display label of a field.
func WithFieldLabel(field, label string) Option {
	return func(d *Descriptor) {
		f := d.Fields[field]
		f.Label = label
		d.Fields[field] = f
	}
}

// WithChoices declares the enumerated display labels of a field.
func WithChoices(field string, choices map[string]string) Option {
	return func(d *Descriptor) {
		f := d.Fields[field]
		f.Choices = choices
		d.Fields[field] = f
	}
}

// WithRedirect logs mutations of this type as a CHANGE on target, found
// through linkField. target is an Entity prototype or a type key. A key may
// name a type registered later: until it is registered the redirect is
// treated as absent, and every lookup tries again.
func WithRedirect(target any, linkField string) Option {
	return func(d *Descriptor) {
		d.Redirect = &Redirect{Target: target, LinkField: linkField}
	}
}

// Registry maps entity types to their audit metadata. It is safe for
// concurrent use.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	models map[string]*Descriptor
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		models: make(map[string]*Descriptor),
	}
}

// Register records prototype's type. Registering a type again is a no-op and
// returns false.
func (r *Registry) Register(prototype Entity, opts ...Option) bool {
	key := strings.ToLower(prototype.EntityType())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[key]; ok {
		return false
	}

	d := &Descriptor{Key: key, Fields: make(map[string]FieldInfo)}
	d.App, d.Model = splitKey(key)
	for _, opt := range opts {
		opt(d)
	}
	if d.VerboseName == "" {
		d.VerboseName = strings.ReplaceAll(d.Model, "_", " ")
	}
	if d.VerboseNamePlural == "" {
		d.VerboseNamePlural = plural(d.VerboseName)
	}
	if d.Redirect != nil {
		r.normalizeRedirect(d)
	}

	r.models[key] = d
	r.logger.Debug("registered entity type", zap.String("type", key))
	return true
}

func (r *Registry) normalizeRedirect(d *Descriptor) {
	switch target := d.Redirect.Target.(type) {
	case Entity:
		d.resolved = strings.ToLower(target.EntityType())
	case string:
		if strings.TrimSpace(target) == "" {
			r.logger.Warn("empty redirect target ignored", zap.String("type", d.Key))
			d.Redirect = nil
		}
	default:
		r.logger.Warn("unsupported redirect target ignored",
			zap.String("type", d.Key),
			zap.String("target", fmt.Sprintf("%T", target)))
		d.Redirect = nil
	}
	if d.Redirect != nil && d.Redirect.LinkField == "" {
		r.logger.Warn("redirect target without link field ignored", zap.String("type", d.Key))
		d.Redirect = nil
		d.resolved = ""
	}
}

// IsRegistered reports whether key has been registered.
func (r *Registry) IsRegistered(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[strings.ToLower(key)]
	return ok
}

// ModelInfo returns the descriptor of key.
func (r *Registry) ModelInfo(key string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[strings.ToLower(key)]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// AllModelInfo returns a copy of every descriptor keyed by type.
func (r *Registry) AllModelInfo() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Descriptor, len(r.models))
	for k, d := range r.models {
		out[k] = *d
	}
	return out
}

// RedirectTarget returns the target key and link field of a dependent type.
// ok is false when key is unregistered or has no usable redirect. A string
// target that does not name a registered type yet reports ok false; the
// first such lookup logs a warning.
func (r *Registry) RedirectTarget(key string) (target, linkField string, ok bool) {
	key = strings.ToLower(key)

	r.mu.RLock()
	d, found := r.models[key]
	if !found || d.Redirect == nil {
		r.mu.RUnlock()
		return "", "", false
	}
	if d.resolved != "" {
		target, linkField = d.resolved, d.Redirect.LinkField
		r.mu.RUnlock()
		return target, linkField, true
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(d)
}

func (r *Registry) resolveLocked(d *Descriptor) (string, string, bool) {
	if d.Redirect == nil {
		return "", "", false
	}
	if d.resolved != "" {
		return d.resolved, d.Redirect.LinkField, true
	}
	name, _ := d.Redirect.Target.(string)
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := r.models[name]; !ok {
		if !d.warned {
			d.warned = true
			r.logger.Warn("redirect target is not a registered type yet, ignoring",
				zap.String("type", d.Key),
				zap.String("target", name))
		}
		return "", "", false
	}
	d.resolved = name
	return name, d.Redirect.LinkField, true
}

// Dependent is a registered type that redirects to another type.
type Dependent struct {
	Key       string
	LinkField string
}

// Dependents lists the registered types whose redirect target is key, sorted by type.
func (r *Registry) Dependents(key string) []Dependent {
	key = strings.ToLower(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Dependent
	for _, d := range r.models {
		if d.Redirect == nil || d.Key == key {
			continue
		}
		target, link, ok := r.resolveLocked(d)
		if ok && target == key {
			out = append(out, Dependent{Key: d.Key, LinkField: link})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]*Descriptor)
}

func plural(name string) string {
	switch {
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"),
		strings.HasSuffix(name, "ch"), strings.HasSuffix(name, "sh"):
		return name + "es"
	case strings.HasSuffix(name, "y") && len(name) > 1 && !strings.ContainsRune("aeiou", rune(name[len(name)-2])):
		return name[:len(name)-1] + "ies"
	}
	return name + "s"
}

func splitKey(key string) (app, model string) {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
