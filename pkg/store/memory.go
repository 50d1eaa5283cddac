// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package store provides an in-memory entity repository that runs the audit
// capture hooks around every write. Dependent types registered with a
// redirect are deleted together with their parent.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/capture"
	"github.com/telekom/audit-trail/pkg/registry"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when creating an entity whose key is taken.
	ErrExists = errors.New("entity already exists")
	// ErrNoPrimaryKey is returned when saving an entity without a primary key.
	ErrNoPrimaryKey = errors.New("entity has no primary key")
)

// Hooks are the lifecycle callbacks run around writes.
type Hooks interface {
	BeforeSave(ctx context.Context, e registry.Entity)
	AfterSave(ctx context.Context, e registry.Entity, created bool)
	BeforeDelete(ctx context.Context, e registry.Entity)
	AfterDelete(ctx context.Context, e registry.Entity)
}

type noHooks struct{}

func (noHooks) BeforeSave(context.Context, registry.Entity)      {}
func (noHooks) AfterSave(context.Context, registry.Entity, bool) {}
func (noHooks) BeforeDelete(context.Context, registry.Entity)    {}
func (noHooks) AfterDelete(context.Context, registry.Entity)     {}

// Memory is a map-backed repository. Stored entities are copies; callers may
// keep mutating the value they saved.
type Memory struct {
	registry *registry.Registry
	logger   *zap.Logger

	mu      sync.RWMutex
	objects map[capture.Key]registry.Entity
	hooks   Hooks
}

// NewMemory creates an empty repository. reg supplies the cascade relations.
func NewMemory(reg *registry.Registry, logger *zap.Logger) *Memory {
	return &Memory{
		registry: reg,
		logger:   logger.Named("store"),
		objects:  make(map[capture.Key]registry.Entity),
		hooks:    noHooks{},
	}
}

// Use installs the lifecycle hooks.
func (m *Memory) Use(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		h = noHooks{}
	}
	m.hooks = h
}

func (m *Memory) currentHooks() Hooks {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hooks
}

func key(entityType, pk string) capture.Key {
	return capture.Key{Type: strings.ToLower(entityType), PK: pk}
}

// Create inserts e. It fails with ErrExists when the key is taken.
func (m *Memory) Create(ctx context.Context, e registry.Entity) error {
	return m.write(ctx, e, func(exists bool) error {
		if exists {
			return fmt.Errorf("create %s %s: %w", e.EntityType(), e.PrimaryKey(), ErrExists)
		}
		return nil
	})
}

// Update replaces e. It fails with ErrNotFound when e was never stored.
func (m *Memory) Update(ctx context.Context, e registry.Entity) error {
	return m.write(ctx, e, func(exists bool) error {
		if !exists {
			return fmt.Errorf("update %s %s: %w", e.EntityType(), e.PrimaryKey(), ErrNotFound)
		}
		return nil
	})
}

// Save inserts or replaces e and reports whether it was created.
func (m *Memory) Save(ctx context.Context, e registry.Entity) (bool, error) {
	var created bool
	err := m.write(ctx, e, func(exists bool) error {
		created = !exists
		return nil
	})
	return created, err
}

func (m *Memory) write(ctx context.Context, e registry.Entity, check func(exists bool) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.PrimaryKey() == "" {
		return fmt.Errorf("save %s: %w", e.EntityType(), ErrNoPrimaryKey)
	}
	k := key(e.EntityType(), e.PrimaryKey())

	m.mu.RLock()
	_, exists := m.objects[k]
	m.mu.RUnlock()
	if err := check(exists); err != nil {
		return err
	}
	hooks := m.currentHooks()

	ctx, uow := capture.Begin(ctx)
	defer uow.Commit()

	hooks.BeforeSave(ctx, e)
	m.mu.Lock()
	m.objects[k] = clone(e)
	m.mu.Unlock()
	hooks.AfterSave(ctx, e, !exists)
	return nil
}

// Tx runs fn inside one unit of work. Writes made by fn share the unit, so
// after-commit work runs once when fn returns nil. On error the pending audit
// state is discarded; stored data is not reverted.
func (m *Memory) Tx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, uow := capture.Begin(ctx)
	if err := fn(ctx); err != nil {
		uow.Rollback()
		return err
	}
	uow.Commit()
	return nil
}

// Delete removes e and every dependent whose link field references it.
func (m *Memory) Delete(ctx context.Context, e registry.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := key(e.EntityType(), e.PrimaryKey())

	m.mu.RLock()
	current, ok := m.objects[k]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("delete %s %s: %w", e.EntityType(), e.PrimaryKey(), ErrNotFound)
	}

	children, err := m.cascadeChildren(ctx, k)
	if err != nil {
		return err
	}
	hooks := m.currentHooks()

	ctx, uow := capture.Begin(ctx)
	defer uow.Commit()

	hooks.BeforeDelete(ctx, current)
	for _, child := range children {
		hooks.BeforeDelete(ctx, child)
	}

	m.remove(k)
	hooks.AfterDelete(ctx, current)

	for _, child := range children {
		m.remove(key(child.EntityType(), child.PrimaryKey()))
		hooks.AfterDelete(ctx, child)
	}

	if len(children) > 0 {
		m.logger.Debug("cascade delete",
			zap.String("entity_type", k.Type),
			zap.String("pk", k.PK),
			zap.Int("children", len(children)))
	}
	return nil
}

func (m *Memory) remove(k capture.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, k)
}

func (m *Memory) cascadeChildren(ctx context.Context, parent capture.Key) ([]registry.Entity, error) {
	if m.registry == nil {
		return nil, nil
	}
	var out []registry.Entity
	for _, dep := range m.registry.Dependents(parent.Type) {
		related, err := m.FindRelated(ctx, dep.Key, dep.LinkField, parent.PK)
		if err != nil {
			return nil, err
		}
		out = append(out, related...)
	}
	return out, nil
}

// Get returns a copy of the stored entity.
func (m *Memory) Get(ctx context.Context, entityType, pk string) (registry.Entity, error) {
	e, ok, err := m.Load(ctx, entityType, pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("get %s %s: %w", entityType, pk, ErrNotFound)
	}
	return e, nil
}

// Load implements capture.Loader.
func (m *Memory) Load(ctx context.Context, entityType, pk string) (registry.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.objects[key(entityType, pk)]
	if !ok {
		return nil, false, nil
	}
	return clone(e), true, nil
}

// FindRelated implements capture.Loader. Results are ordered by primary key.
func (m *Memory) FindRelated(ctx context.Context, entityType, field, value string) ([]registry.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entityType = strings.ToLower(entityType)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []registry.Entity
	for k, e := range m.objects {
		if k.Type != entityType {
			continue
		}
		v, ok := registry.Snapshot(e)[field]
		if ok && v != nil && fmt.Sprint(v) == value {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryKey() < out[j].PrimaryKey() })
	return out, nil
}

// List returns every stored entity of entityType ordered by primary key.
func (m *Memory) List(ctx context.Context, entityType string) ([]registry.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entityType = strings.ToLower(entityType)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []registry.Entity
	for k, e := range m.objects {
		if k.Type == entityType {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryKey() < out[j].PrimaryKey() })
	return out, nil
}

// Len returns the number of stored entities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// clone returns a shallow copy of a pointer-to-struct entity. Other entity
// shapes are values already and are returned as is.
func clone(e registry.Entity) registry.Entity {
	rv := reflect.ValueOf(e)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return e
	}
	cp := reflect.New(rv.Elem().Type())
	cp.Elem().Set(rv.Elem())
	if out, ok := cp.Interface().(registry.Entity); ok {
		return out
	}
	return e
}
