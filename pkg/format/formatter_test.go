// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package format

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/translation"
)

type employee struct {
	ID       int
	Name     string
	Status   string
	Skills   []string
	Salary   int
	JoinedAt time.Time
}

func (e *employee) EntityType() string { return "hr.employee" }
func (e *employee) PrimaryKey() string {
	if e.ID == 0 {
		return ""
	}
	return strconv.Itoa(e.ID)
}
func (e *employee) String() string { return e.Name }

type Untracked struct{ ID int }

func (u *Untracked) EntityType() string { return "misc.untracked" }
func (u *Untracked) PrimaryKey() string { return strconv.Itoa(u.ID) }
func (u *Untracked) String() string     { return "untracked" }

func newTestFormatter(t *testing.T, opts ...Option) *Formatter {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	reg.Register(&employee{},
		registry.WithVerboseName("Employee", "Employees"),
		registry.WithChoices("status", map[string]string{"A": "Active", "B": "Inactive"}),
		registry.WithChoices("skills", map[string]string{"go": "Go"}))
	return New(reg, translation.New(reg, "en", logger), logger, opts...)
}

func TestFormat_ChangeWithChoices(t *testing.T) {
	f := newTestFormatter(t)

	before := &employee{ID: 1, Name: "Jane", Status: "A"}
	after := &employee{ID: 1, Name: "Jane", Status: "B"}

	event, err := f.Format(audit.ActionChange, before, after, nil, nil, nil)
	require.NoError(t, err)

	payload, err := json.Marshal(event.ChangeMessage)
	require.NoError(t, err)
	assert.JSONEq(t, `{"headers":["field","old_value","new_value"],
		"rows":[{"field":"Status","old_value":"Active","new_value":"Inactive"}]}`, string(payload))
}

func TestFormat_ChangeRendering(t *testing.T) {
	f := newTestFormatter(t)
	joined := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	before := &employee{ID: 1, Name: "Jane", Status: "X", Skills: []string{"go"}, Salary: 100, JoinedAt: joined}
	after := &employee{ID: 1, Name: "Jane Doe", Status: "A", Skills: []string{"go", "sql"}, Salary: 100, JoinedAt: joined.AddDate(0, 1, 0)}

	event, err := f.Format(audit.ActionChange, before, after, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, event.ChangeMessage.IsTable())

	rows := event.ChangeMessage.Table.Rows
	require.Len(t, rows, 4)
	assert.Equal(t, audit.ChangeRow{Field: "Joined At", OldValue: "2024-03-01T00:00:00Z", NewValue: "2024-04-01T00:00:00Z"}, rows[0])
	assert.Equal(t, audit.ChangeRow{Field: "Name", OldValue: "Jane", NewValue: "Jane Doe"}, rows[1])
	assert.Equal(t, audit.ChangeRow{Field: "Skills", OldValue: []string{"Go"}, NewValue: []string{"Go", "sql"}}, rows[2])
	assert.Equal(t, audit.ChangeRow{Field: "Status", OldValue: "X", NewValue: "Active"}, rows[3], "unknown choice falls back to raw value")
}

func TestFormat_ChangeKeepsScalarTypes(t *testing.T) {
	f := newTestFormatter(t)
	before := &employee{ID: 1, Name: "Jane", Status: "A", Salary: 100}
	after := &employee{ID: 1, Name: "Jane", Status: "A", Salary: 120}

	event, err := f.Format(audit.ActionChange, before, after, nil, nil, nil)
	require.NoError(t, err)
	require.True(t, event.ChangeMessage.IsTable())
	rows := event.ChangeMessage.Table.Rows
	require.Len(t, rows, 1)
	assert.Equal(t, 100, rows[0].OldValue)
	assert.Equal(t, 120, rows[0].NewValue)

	payload, err := json.Marshal(event.ChangeMessage)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"old_value":100`)
	assert.Contains(t, string(payload), `"new_value":120`)

	assert.Equal(t, true, renderValue(true, nil))
	assert.Equal(t, []string{"1", "2"}, renderValue([]int{1, 2}, nil), "list elements are rendered as strings")
}

func TestFormat_NoDifference(t *testing.T) {
	f := newTestFormatter(t)
	e := &employee{ID: 1, Name: "Jane", Status: "A", Skills: []string{"go"}}
	same := &employee{ID: 1, Name: "Jane", Status: "A", Skills: []string{"go"}}

	assert.Empty(t, f.Diff("hr.employee", e, same))

	event, err := f.Format(audit.ActionChange, e, same, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, event.ChangeMessage.IsTable())
	assert.Equal(t, MessageModified, event.ChangeMessage.Text)
}

func TestFormat_FixedMessages(t *testing.T) {
	f := newTestFormatter(t)
	e := &employee{ID: 5, Name: "Jane"}

	tests := []struct {
		action audit.Action
		before registry.Entity
		after  registry.Entity
		want   string
	}{
		{audit.ActionAdd, nil, e, MessageCreated},
		{audit.ActionDelete, e, nil, MessageDeleted},
		{audit.ActionChange, nil, e, "Action: CHANGE"},
		{audit.ActionExport, nil, e, "Action: EXPORT"},
	}
	for _, tc := range tests {
		t.Run(string(tc.action), func(t *testing.T) {
			event, err := f.Format(tc.action, tc.before, tc.after, nil, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, event.ChangeMessage.Text)
			assert.Equal(t, "hr.employee", event.ObjectType)
			require.NotNil(t, event.ObjectID)
			assert.Equal(t, "5", *event.ObjectID)
			assert.Equal(t, "Jane", event.ObjectRepr)
		})
	}
}

func TestFormat_SubjectAndIdentity(t *testing.T) {
	f := newTestFormatter(t)

	event, err := f.Format(audit.ActionAdd, nil, &employee{Name: "Unsaved"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, event.ObjectID)
	assert.Nil(t, event.Fields()[audit.KeyObjectID])

	_, err = f.Format(audit.ActionAdd, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoSubject)

	var typedNil *employee
	_, err = f.Format(audit.ActionAdd, typedNil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoSubject)
}

func TestFormat_UnregisteredTypeFallsBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := New(registry.New(zap.NewNop()), nil, zap.New(core))

	event, err := f.Format(audit.ActionAdd, nil, &Untracked{ID: 1}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "untracked", event.ObjectType)
	assert.Equal(t, 1, logs.FilterMessage("formatting event for unregistered entity type").Len())
}

func TestFormat_ActorAndRequest(t *testing.T) {
	org := OrgResolverFunc(func(actor *audit.Actor) (*audit.OrgAttributes, error) {
		return &audit.OrgAttributes{EmployeeCode: "E-007", DepartmentName: "Payroll"}, nil
	})
	f := newTestFormatter(t, WithOrgResolver(org))

	actor := &audit.Actor{ID: "7", Email: "jane@example.com"}
	req := &audit.RequestInfo{IPAddress: "10.0.0.1", UserAgent: "ua", SessionKey: "s"}

	event, err := f.Format(audit.ActionAdd, nil, &employee{ID: 1}, actor, req, nil)
	require.NoError(t, err)

	fields := event.Fields()
	assert.Equal(t, "7", fields[audit.KeyUserID])
	assert.Equal(t, "jane@example.com", fields[audit.KeyUsername])
	assert.Equal(t, "E-007", fields[audit.KeyEmployeeCode])
	assert.Equal(t, "Payroll", fields[audit.KeyDepartmentName])
	assert.NotContains(t, fields, audit.KeyPositionName)
	assert.Equal(t, "10.0.0.1", fields[audit.KeyIPAddress])
	assert.Equal(t, "s", fields[audit.KeySessionKey])
}

func TestFormat_OrgResolverFailuresAreSwallowed(t *testing.T) {
	resolvers := map[string]OrgResolver{
		"error": OrgResolverFunc(func(*audit.Actor) (*audit.OrgAttributes, error) {
			return nil, errors.New("no active assignment")
		}),
		"panic": OrgResolverFunc(func(*audit.Actor) (*audit.OrgAttributes, error) {
			panic("relation missing")
		}),
		"none": OrgResolverFunc(func(*audit.Actor) (*audit.OrgAttributes, error) {
			return nil, nil
		}),
	}
	for name, r := range resolvers {
		t.Run(name, func(t *testing.T) {
			f := newTestFormatter(t, WithOrgResolver(r))
			event, err := f.Format(audit.ActionAdd, nil, &employee{ID: 1}, &audit.Actor{ID: "1", Username: "u"}, nil, nil)
			require.NoError(t, err)
			assert.Nil(t, event.User.Org)
			assert.Equal(t, "u", event.User.Username)
		})
	}
}

func TestFormat_ExtraOverridesComputedKeys(t *testing.T) {
	f := newTestFormatter(t)

	event, err := f.Format(audit.ActionAdd, nil, &employee{ID: 1, Name: "Jane"}, nil, nil, map[string]any{
		"batch_id":          "b-1",
		audit.KeyObjectRepr: "override",
	})
	require.NoError(t, err)

	fields := event.Fields()
	assert.Equal(t, "b-1", fields["batch_id"])
	assert.Equal(t, "override", fields[audit.KeyObjectRepr])
}
