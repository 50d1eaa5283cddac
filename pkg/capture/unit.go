// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"strings"
	"sync"

	"github.com/telekom/audit-trail/pkg/registry"
)

// Key identifies a persisted instance.
type Key struct {
	Type string
	PK   string
}

func keyOf(e registry.Entity) Key {
	return Key{Type: strings.ToLower(e.EntityType()), PK: e.PrimaryKey()}
}

// UnitOfWork holds the per-transaction audit state: before-states stashed by
// the before hooks, the cascade marker set, and callbacks to run on commit.
// A unit is carried on a context and is never shared between requests unless
// the caller shares the context.
type UnitOfWork struct {
	mu          sync.Mutex
	depth       int
	autocommit  bool
	saved       map[Key]registry.Entity
	deleted     map[Key]registry.Entity
	marks       map[Key]struct{}
	afterCommit []func()
}

func newUnitOfWork() *UnitOfWork {
	return &UnitOfWork{
		saved:   make(map[Key]registry.Entity),
		deleted: make(map[Key]registry.Entity),
	}
}

type unitKey struct{}

// Begin returns a context carrying a unit of work. When ctx already carries
// one it is reused and the nesting depth is increased; only the outermost
// Commit runs the callbacks.
func Begin(ctx context.Context) (context.Context, *UnitOfWork) {
	if u := FromContext(ctx); u != nil {
		u.mu.Lock()
		u.depth++
		u.mu.Unlock()
		return ctx, u
	}
	u := newUnitOfWork()
	u.depth = 1
	return context.WithValue(ctx, unitKey{}, u), u
}

// FromContext returns the unit of work on ctx, or nil.
func FromContext(ctx context.Context) *UnitOfWork {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{}).(*UnitOfWork)
	return u
}

// Commit ends one nesting level. The outermost Commit runs the registered
// callbacks once, in registration order.
func (u *UnitOfWork) Commit() {
	u.mu.Lock()
	if u.depth > 0 {
		u.depth--
	}
	if u.depth > 0 {
		u.mu.Unlock()
		return
	}
	callbacks := u.afterCommit
	u.afterCommit = nil
	u.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Rollback ends one nesting level. The outermost Rollback drops the pending
// callbacks and all stashed state without running them.
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.depth > 0 {
		u.depth--
	}
	if u.depth > 0 {
		return
	}
	u.afterCommit = nil
	u.marks = nil
	u.saved = make(map[Key]registry.Entity)
	u.deleted = make(map[Key]registry.Entity)
}

// OnCommit schedules fn for the outermost commit. Outside a transaction it
// runs immediately.
func (u *UnitOfWork) OnCommit(fn func()) {
	u.mu.Lock()
	if u.autocommit || u.depth == 0 {
		u.mu.Unlock()
		fn()
		return
	}
	u.afterCommit = append(u.afterCommit, fn)
	u.mu.Unlock()
}

// Mark records that (entityType, pk) is being deleted as a cascade child.
func (u *UnitOfWork) Mark(entityType, pk string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.marks == nil {
		u.marks = make(map[Key]struct{})
	}
	u.marks[Key{Type: entityType, PK: pk}] = struct{}{}
}

// IsMarked reports whether (entityType, pk) is a marked cascade child.
func (u *UnitOfWork) IsMarked(entityType, pk string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.marks[Key{Type: entityType, PK: pk}]
	return ok
}

// consumeMark reports whether (entityType, pk) is marked. Outside a
// transaction the mark is removed, since no commit will clear it.
func (u *UnitOfWork) consumeMark(entityType, pk string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := Key{Type: entityType, PK: pk}
	if _, ok := u.marks[k]; !ok {
		return false
	}
	if u.autocommit {
		delete(u.marks, k)
	}
	return true
}

// ClearMarks empties the cascade marker set.
func (u *UnitOfWork) ClearMarks() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.marks = nil
}

// MarkCount returns the size of the cascade marker set.
func (u *UnitOfWork) MarkCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.marks)
}

func (u *UnitOfWork) stashSaved(k Key, e registry.Entity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.saved[k] = e
}

func (u *UnitOfWork) takeSaved(k Key) registry.Entity {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.saved[k]
	delete(u.saved, k)
	return e
}

func (u *UnitOfWork) stashDeleted(k Key, e registry.Entity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.deleted[k] = e
}

func (u *UnitOfWork) takeDeleted(k Key) registry.Entity {
	u.mu.Lock()
	defer u.mu.Unlock()
	e := u.deleted[k]
	delete(u.deleted, k)
	return e
}

// pending returns the number of stashed states, for tests.
func (u *UnitOfWork) pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.saved) + len(u.deleted)
}
