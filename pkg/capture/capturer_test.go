// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/batch"
	"github.com/telekom/audit-trail/pkg/format"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/requestcontext"
	"github.com/telekom/audit-trail/pkg/translation"
)

type employee struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (e *employee) EntityType() string { return "hr.employee" }
func (e *employee) PrimaryKey() string { return e.ID }
func (e *employee) String() string     { return e.Name }

type address struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Street     string `json:"street"`
}

func (a *address) EntityType() string { return "hr.address" }
func (a *address) PrimaryKey() string { return a.ID }
func (a *address) String() string     { return a.Street }

type unregistered struct{ ID string }

func (u *unregistered) EntityType() string { return "hr.unregistered" }
func (u *unregistered) PrimaryKey() string { return u.ID }
func (u *unregistered) String() string     { return u.ID }

type fakeLoader struct {
	mu      sync.Mutex
	objects map[Key]registry.Entity
	err     error
}

func newFakeLoader(objs ...registry.Entity) *fakeLoader {
	l := &fakeLoader{objects: make(map[Key]registry.Entity)}
	for _, o := range objs {
		l.put(o)
	}
	return l
}

func (l *fakeLoader) put(e registry.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[keyOf(e)] = e
}

func (l *fakeLoader) remove(e registry.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.objects, keyOf(e))
}

func (l *fakeLoader) Load(_ context.Context, entityType, pk string) (registry.Entity, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	e, ok := l.objects[Key{Type: entityType, PK: pk}]
	return e, ok, nil
}

func (l *fakeLoader) FindRelated(_ context.Context, entityType, field, value string) ([]registry.Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []registry.Entity
	for k, e := range l.objects {
		if k.Type != entityType {
			continue
		}
		if v, ok := registry.Snapshot(e)[field]; ok && fmt.Sprint(v) == value {
			out = append(out, e)
		}
	}
	return out, nil
}

type recordingDelivery struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (d *recordingDelivery) Deliver(_ context.Context, e *audit.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return d.err
}

func (d *recordingDelivery) all() []*audit.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*audit.Event(nil), d.events...)
}

type fixture struct {
	capturer *Capturer
	loader   *fakeLoader
	delivery *recordingDelivery
	batches  *batch.Correlator
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	reg := registry.New(logger)
	tr := translation.New(reg, "en", logger)
	f := &fixture{
		loader:   newFakeLoader(),
		delivery: &recordingDelivery{},
	}
	f.batches = batch.NewCorrelator(f.delivery, tr, logger)
	f.capturer = New(reg, format.New(reg, tr, logger), f.delivery, f.loader, logger, WithCorrelator(f.batches))

	f.capturer.Register(&employee{},
		registry.WithVerboseName("Employee", "Employees"),
		registry.WithChoices("status", map[string]string{"A": "Active", "B": "Inactive"}))
	f.capturer.Register(&address{},
		registry.WithVerboseName("Address", "Addresses"),
		registry.WithRedirect("hr.employee", "employee_id"))
	return f
}

// save runs the save hooks the way a repository does.
func (f *fixture) save(ctx context.Context, e registry.Entity) {
	ctx, u := Begin(ctx)
	_, created := f.loader.objects[keyOf(e)]
	created = !created
	f.capturer.BeforeSave(ctx, e)
	f.loader.put(e)
	f.capturer.AfterSave(ctx, e, created)
	u.Commit()
}

func (f *fixture) delete(ctx context.Context, e registry.Entity, children ...registry.Entity) {
	ctx, u := Begin(ctx)
	f.capturer.BeforeDelete(ctx, e)
	for _, c := range children {
		f.capturer.BeforeDelete(ctx, c)
	}
	f.loader.remove(e)
	f.capturer.AfterDelete(ctx, e)
	for _, c := range children {
		f.loader.remove(c)
		f.capturer.AfterDelete(ctx, c)
	}
	u.Commit()
}

func TestCapture_DirectMutations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e := &employee{ID: "1", Name: "Lan", Status: "A"}
	f.save(ctx, e)
	f.save(ctx, &employee{ID: "1", Name: "Lan Nguyen", Status: "A"})
	f.delete(ctx, &employee{ID: "1", Name: "Lan Nguyen", Status: "A"})

	events := f.delivery.all()
	require.Len(t, events, 3)
	assert.Equal(t, audit.ActionAdd, events[0].Action)
	assert.Equal(t, format.MessageCreated, events[0].ChangeMessage.Text)
	assert.Equal(t, audit.ActionChange, events[1].Action)
	require.True(t, events[1].ChangeMessage.IsTable())
	assert.Equal(t, []audit.ChangeRow{{Field: "Name", OldValue: "Lan", NewValue: "Lan Nguyen"}},
		events[1].ChangeMessage.Table.Rows)
	assert.Equal(t, audit.ActionDelete, events[2].Action)
	assert.Equal(t, format.MessageDeleted, events[2].ChangeMessage.Text)
	for _, ev := range events {
		assert.Equal(t, "hr.employee", ev.ObjectType)
		require.NotNil(t, ev.ObjectID)
		assert.Equal(t, "1", *ev.ObjectID)
	}
}

func TestCapture_UpdateWithChoices(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.save(ctx, &employee{ID: "7", Name: "Minh", Status: "A"})
	f.save(ctx, &employee{ID: "7", Name: "Minh", Status: "B"})

	events := f.delivery.all()
	require.Len(t, events, 2)
	msg := events[1].ChangeMessage
	require.True(t, msg.IsTable())
	assert.Equal(t, []string{"field", "old_value", "new_value"}, msg.Table.Headers)
	assert.Equal(t, []audit.ChangeRow{{Field: "Status", OldValue: "Active", NewValue: "Inactive"}}, msg.Table.Rows)
}

func TestCapture_UpdateWithoutChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.save(ctx, &employee{ID: "7", Name: "Minh", Status: "A"})
	f.save(ctx, &employee{ID: "7", Name: "Minh", Status: "A"})

	events := f.delivery.all()
	require.Len(t, events, 2)
	assert.Equal(t, format.MessageModified, events[1].ChangeMessage.Text)
}

func TestCapture_Redirect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.loader.put(&employee{ID: "1", Name: "Lan"})

	addr := &address{ID: "10", EmployeeID: "1", Street: "Main St 1"}
	f.save(ctx, addr)
	f.save(ctx, &address{ID: "10", EmployeeID: "1", Street: "Main St 2"})
	f.delete(ctx, &address{ID: "10", EmployeeID: "1", Street: "Main St 2"})

	events := f.delivery.all()
	require.Len(t, events, 3)
	wantMsgs := []string{"Added Address: Main St 1", "Modified Address: Main St 2", "Deleted Address: Main St 2"}
	for i, ev := range events {
		assert.Equal(t, audit.ActionChange, ev.Action)
		assert.Equal(t, "hr.employee", ev.ObjectType)
		assert.Equal(t, "1", *ev.ObjectID)
		assert.Equal(t, "Lan", ev.ObjectRepr)
		assert.Equal(t, wantMsgs[i], ev.ChangeMessage.Text)
		assert.Equal(t, "hr.address", ev.Extra[KeySourceModel])
		assert.Equal(t, "10", ev.Extra[KeySourcePK])
	}
	assert.Equal(t, "Main St 1", events[0].Extra[KeySourceRepr])
}

func TestCapture_RedirectWithoutTarget(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.save(ctx, &address{ID: "10", EmployeeID: "404", Street: "Nowhere"})
	f.save(ctx, &address{ID: "11", Street: "No link"})
	assert.Empty(t, f.delivery.all(), "saves without a live target are skipped")

	f.delete(ctx, &address{ID: "10", EmployeeID: "404", Street: "Nowhere"})
	events := f.delivery.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionDelete, events[0].Action)
	assert.Equal(t, "hr.address", events[0].ObjectType)
	assert.Equal(t, "10", *events[0].ObjectID)
}

func TestCapture_CascadeSuppression(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	parent := &employee{ID: "1", Name: "Lan"}
	f.loader.put(parent)
	children := []registry.Entity{
		&address{ID: "10", EmployeeID: "1", Street: "A"},
		&address{ID: "11", EmployeeID: "1", Street: "B"},
		&address{ID: "12", EmployeeID: "1", Street: "C"},
	}
	for _, c := range children {
		f.loader.put(c)
	}
	other := &address{ID: "20", EmployeeID: "2", Street: "Elsewhere"}
	f.loader.put(other)

	f.delete(ctx, parent, children...)

	events := f.delivery.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionDelete, events[0].Action)
	assert.Equal(t, "hr.employee", events[0].ObjectType)

	t.Run("markers are cleared after commit", func(t *testing.T) {
		f.loader.put(&employee{ID: "2", Name: "Minh"})
		f.delete(ctx, other)
		events := f.delivery.all()
		require.Len(t, events, 2)
		assert.Equal(t, "Deleted Address: Elsewhere", events[1].ChangeMessage.Text)
	})
}

func TestCapture_MarkersClearedOnCommitOnly(t *testing.T) {
	f := newFixture(t, nil)
	parent := &employee{ID: "1", Name: "Lan"}
	child := &address{ID: "10", EmployeeID: "1", Street: "A"}
	f.loader.put(parent)
	f.loader.put(child)

	ctx, u := Begin(context.Background())
	f.capturer.BeforeDelete(ctx, parent)
	f.loader.remove(parent)
	f.capturer.AfterDelete(ctx, parent)

	assert.True(t, u.IsMarked("hr.address", "10"))
	u.Commit()
	assert.False(t, u.IsMarked("hr.address", "10"))
	assert.Zero(t, u.pending())
}

func TestCapture_CascadeSuppressionWithoutUnit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	parent := &employee{ID: "1", Name: "Lan"}
	children := []registry.Entity{
		&address{ID: "10", EmployeeID: "1", Street: "A"},
		&address{ID: "11", EmployeeID: "1", Street: "B"},
	}
	f.loader.put(parent)
	for _, c := range children {
		f.loader.put(c)
	}

	f.capturer.BeforeDelete(ctx, parent)
	for _, c := range children {
		f.capturer.BeforeDelete(ctx, c)
	}
	f.loader.remove(parent)
	f.capturer.AfterDelete(ctx, parent)
	for _, c := range children {
		f.loader.remove(c)
		f.capturer.AfterDelete(ctx, c)
	}

	events := f.delivery.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionDelete, events[0].Action)
	assert.Equal(t, "hr.employee", events[0].ObjectType)
	assert.Zero(t, f.capturer.unit(ctx).MarkCount(), "suppressed children consume their marks")

	t.Run("recreated child is logged on its next delete", func(t *testing.T) {
		f.loader.put(&employee{ID: "1", Name: "Lan"})
		child := &address{ID: "10", EmployeeID: "1", Street: "A"}
		f.loader.put(child)

		f.capturer.BeforeDelete(ctx, child)
		f.loader.remove(child)
		f.capturer.AfterDelete(ctx, child)

		events := f.delivery.all()
		require.Len(t, events, 2)
		assert.Equal(t, "Deleted Address: A", events[1].ChangeMessage.Text)
	})
}

func TestCapture_BatchMetadata(t *testing.T) {
	f := newFixture(t, nil)

	err := f.batches.Run(context.Background(), audit.ActionImport, "hr.employee", nil, nil,
		map[string]any{"import_source": "x.xlsx"},
		func(ctx context.Context, b *batch.Batch) error {
			f.save(ctx, &employee{ID: "1", Name: "Lan"})
			f.save(ctx, &employee{ID: "2", Name: "Minh"})
			assert.Equal(t, 2, b.Count())
			return nil
		})
	require.NoError(t, err)

	events := f.delivery.all()
	require.Len(t, events, 2, "no summary without errors")
	batchID := events[0].Extra[batch.KeyBatchID]
	assert.NotEmpty(t, batchID)
	for _, ev := range events {
		assert.Equal(t, audit.ActionAdd, ev.Action)
		assert.Equal(t, batchID, ev.Extra[batch.KeyBatchID])
		assert.Equal(t, "IMPORT", ev.Extra[batch.KeyBatchAction])
		assert.Equal(t, "x.xlsx", ev.Extra["import_source"])
	}
}

func TestCapture_ActorAndRequest(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest("POST", "/employees", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("User-Agent", "hr-portal")
	req = req.WithContext(requestcontext.WithUser(req.Context(), &audit.Actor{ID: "42", Username: "admin"}))

	err := requestcontext.Scope(context.Background(), req, func(ctx context.Context) error {
		f.save(ctx, &employee{ID: "1", Name: "Lan"})
		return nil
	})
	require.NoError(t, err)

	events := f.delivery.all()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].User)
	assert.Equal(t, "42", events[0].User.ID)
	assert.Equal(t, "admin", events[0].User.Username)
	require.NotNil(t, events[0].Request)
	assert.Equal(t, "203.0.113.9", events[0].Request.IPAddress)
	assert.Equal(t, "hr-portal", events[0].Request.UserAgent)
}

func TestCapture_IgnoresUnregistered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	e := &unregistered{ID: "1"}
	f.capturer.BeforeSave(ctx, e)
	f.capturer.AfterSave(ctx, e, true)
	f.capturer.BeforeDelete(ctx, e)
	f.capturer.AfterDelete(ctx, e)
	assert.Empty(t, f.delivery.all())
}

type panickyLoader struct{ *fakeLoader }

func (panickyLoader) Load(context.Context, string, string) (registry.Entity, bool, error) {
	panic("connection reset")
}

func TestCapture_FailuresNeverEscape(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	f := newFixture(t, zap.New(core))
	ctx := context.Background()

	t.Run("delivery error", func(t *testing.T) {
		f.delivery.err = errors.New("broker down")
		assert.NotPanics(t, func() { f.save(ctx, &employee{ID: "1", Name: "Lan"}) })
		assert.Equal(t, 1, logs.FilterMessage("failed to deliver audit event").Len())
		f.delivery.err = nil
	})

	t.Run("loader error", func(t *testing.T) {
		f.loader.err = errors.New("db gone")
		assert.NotPanics(t, func() { f.capturer.BeforeSave(ctx, &employee{ID: "1"}) })
		assert.Equal(t, 1, logs.FilterMessage("failed to load persisted state").Len())
		f.loader.err = nil
	})

	t.Run("loader panic", func(t *testing.T) {
		f.capturer.SetLoader(panickyLoader{f.loader})
		assert.NotPanics(t, func() { f.capturer.BeforeSave(ctx, &employee{ID: "1"}) })
		assert.Equal(t, 1, logs.FilterMessage("audit hook panicked").Len())
		f.capturer.SetLoader(f.loader)
	})
}

func TestCapture_RegisterIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.capturer.Register(&employee{}))
	assert.True(t, f.capturer.Registry().IsRegistered("hr.employee"))

	f.save(context.Background(), &employee{ID: "1", Name: "Lan"})
	assert.Len(t, f.delivery.all(), 1, "re-registration does not bind hooks twice")
}

func TestLogEvent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	actor := &audit.Actor{ID: "9", Email: "hr@example.com"}
	ev, err := f.capturer.LogEvent(ctx, audit.ActionLogin, nil,
		registry.Ref{Type: "auth.user", ID: "9", Repr: "hr@example.com"},
		map[string]any{"method": "sso"},
		WithActor(actor), WithRequest(&audit.RequestInfo{IPAddress: "10.1.1.1"}))
	require.NoError(t, err)

	assert.Equal(t, audit.ActionLogin, ev.Action)
	assert.Equal(t, "auth.user", ev.ObjectType)
	assert.Equal(t, "Action: LOGIN", ev.ChangeMessage.Text)
	assert.Equal(t, "hr@example.com", ev.User.Username)
	assert.Equal(t, "10.1.1.1", ev.Request.IPAddress)
	assert.Equal(t, "sso", ev.Extra["method"])
	assert.Len(t, f.delivery.all(), 1)

	_, err = f.capturer.LogEvent(ctx, audit.ActionLogin, nil, nil, nil)
	assert.ErrorIs(t, err, format.ErrNoSubject)

	f.delivery.err = errors.New("broker down")
	ev, err = f.capturer.LogEvent(ctx, audit.ActionPasswordReset, nil, registry.Ref{Type: "auth.user", ID: "9"}, nil)
	assert.Error(t, err)
	assert.NotNil(t, ev)
}
