// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"ADD", ActionAdd, false},
		{"change", ActionChange, false},
		{" password_reset ", ActionPasswordReset, false},
		{"import", ActionImport, false},
		{"FROB", "", true},
		{"", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAction(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestActionVerb(t *testing.T) {
	assert.Equal(t, "import", ActionImport.Verb())
	assert.Equal(t, "password change", ActionPasswordChange.Verb())
}

func TestActorDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		actor *Actor
		want  string
	}{
		{"nil", nil, ""},
		{"username wins", &Actor{ID: "1", Username: "jdoe", Email: "j@x.io", Name: "J"}, "jdoe"},
		{"email next", &Actor{ID: "1", Email: "j@x.io", Name: "J"}, "j@x.io"},
		{"name next", &Actor{ID: "1", Name: "J"}, "J"},
		{"id last", &Actor{ID: "1"}, "1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.actor.DisplayName())
		})
	}
}

func TestEventFields(t *testing.T) {
	t.Run("unsaved object has null id", func(t *testing.T) {
		e := &Event{Action: ActionAdd, ObjectType: "hr.employee", ObjectRepr: "new"}
		fields := e.Fields()
		v, ok := fields[KeyObjectID]
		assert.True(t, ok)
		assert.Nil(t, v)
	})

	t.Run("org attributes only when present", func(t *testing.T) {
		e := sampleEvent()
		e.User.Org = &OrgAttributes{EmployeeCode: "E001", DepartmentName: "Payroll"}
		fields := e.Fields()
		assert.Equal(t, "E001", fields[KeyEmployeeCode])
		assert.Equal(t, "Payroll", fields[KeyDepartmentName])
		assert.NotContains(t, fields, KeyPositionID)
		assert.NotContains(t, fields, KeyEmployeeName)
	})

	t.Run("no actor or request", func(t *testing.T) {
		e := &Event{Action: ActionLogin, ObjectType: "auth.user"}
		fields := e.Fields()
		assert.NotContains(t, fields, KeyUserID)
		assert.NotContains(t, fields, KeyIPAddress)
	})

	t.Run("extra keys override computed keys", func(t *testing.T) {
		e := sampleEvent()
		e.SetExtra(KeyObjectRepr, "overridden")
		e.MergeExtra(map[string]any{"batch_id": "b-1"})
		fields := e.Fields()
		assert.Equal(t, "overridden", fields[KeyObjectRepr])
		assert.Equal(t, "b-1", fields["batch_id"])
	})
}

func TestEventMarshalJSON(t *testing.T) {
	e := sampleEvent()
	e.LogID = "log-1"
	e.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e.ChangeMessage = TableMessage([]ChangeRow{{Field: "Status", OldValue: "Active", NewValue: "Inactive"}})

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "log-1", decoded["log_id"])
	assert.Equal(t, "2026-01-02T03:04:05Z", decoded["timestamp"])
	assert.Equal(t, "CHANGE", decoded["action"])
	assert.Equal(t, "42", decoded["object_id"])
	assert.Equal(t, "admin", decoded["username"])
	assert.Equal(t, "10.0.0.1", decoded["ip_address"])

	cm, ok := decoded["change_message"].(map[string]any)
	require.True(t, ok, "table change message must be an object")
	assert.Equal(t, []any{"field", "old_value", "new_value"}, cm["headers"])
	rows := cm["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"field": "Status", "old_value": "Active", "new_value": "Inactive"}, rows[0])
}

func TestChangeMessageJSON(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		data, err := json.Marshal(TextMessage("Created"))
		require.NoError(t, err)
		assert.JSONEq(t, `"Created"`, string(data))

		var m ChangeMessage
		require.NoError(t, json.Unmarshal(data, &m))
		assert.False(t, m.IsTable())
		assert.Equal(t, "Created", m.String())
	})

	t.Run("table", func(t *testing.T) {
		in := `{"headers":["field","old_value","new_value"],"rows":[{"field":"Name","old_value":"a","new_value":"b"}]}`
		var m ChangeMessage
		require.NoError(t, json.Unmarshal([]byte(in), &m))
		require.True(t, m.IsTable())
		assert.Equal(t, "Changed Name", m.String())
	})

	t.Run("neither", func(t *testing.T) {
		var m ChangeMessage
		assert.Error(t, json.Unmarshal([]byte(`42`), &m))
	})
}

func TestEventEncodeCaches(t *testing.T) {
	e := sampleEvent()
	first, err := e.Encode()
	require.NoError(t, err)

	e.ObjectRepr = "changed after encode"
	second, err := e.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
