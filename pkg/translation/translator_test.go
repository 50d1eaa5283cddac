// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package translation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/text/language"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/registry"
)

type employee struct{ ID string }

func (e *employee) EntityType() string { return "hr.employee" }
func (e *employee) PrimaryKey() string { return e.ID }
func (e *employee) String() string     { return "employee " + e.ID }

func newTestTranslator(t *testing.T, lang string) *Translator {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	reg.Register(&employee{},
		registry.WithVerboseName("Employee", "Employees"),
		registry.WithFieldLabel("status", "Employment status"))
	return New(reg, lang, zaptest.NewLogger(t))
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want language.Tag
	}{
		{"", language.English},
		{"en", language.English},
		{"vi", language.Vietnamese},
		{"vi-VN,vi;q=0.9,en;q=0.8", language.Vietnamese},
		{"fr-FR, en;q=0.5", language.English},
		{"!!!", language.English},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchLanguage(tc.in))
		})
	}
}

func TestDisplayForEntity(t *testing.T) {
	tr := newTestTranslator(t, "en")
	assert.Equal(t, "Employee", tr.DisplayForEntity("hr.employee"))
	assert.Equal(t, "Employee Contract", tr.DisplayForEntity("hr.employee_contract"))
	assert.Equal(t, "Payroll Slip", tr.DisplayForEntity("payroll_slip"))
}

func TestDisplayForField(t *testing.T) {
	tr := newTestTranslator(t, "en")
	assert.Equal(t, "Employment status", tr.DisplayForField("status", "hr.employee"))
	assert.Equal(t, "Start Date", tr.DisplayForField("start_date", "hr.employee"))
	assert.Equal(t, "Status", tr.DisplayForField("status", ""))
	assert.Equal(t, "Status", tr.DisplayForField("status", "hr.unknown"))
}

func TestDisplayForAction(t *testing.T) {
	en := newTestTranslator(t, "en")
	assert.Equal(t, "Create", en.DisplayForAction(audit.ActionAdd))
	assert.Equal(t, "Update", en.DisplayForAction(audit.ActionChange))
	assert.Equal(t, "Delete", en.DisplayForAction(audit.ActionDelete))
	assert.Equal(t, "Password Reset", en.DisplayForAction(audit.ActionPasswordReset))

	vi := en.For("vi")
	assert.Equal(t, language.Vietnamese, vi.Language())
	assert.Equal(t, "Cập nhật", vi.DisplayForAction(audit.ActionChange))
	assert.Equal(t, language.English, en.Language(), "For does not modify the receiver")
}

func TestTranslateChangeMessage(t *testing.T) {
	tr := newTestTranslator(t, "en")

	msg := audit.TableMessage([]audit.ChangeRow{
		{Field: "status", OldValue: "Active", NewValue: "Inactive"},
		{Field: "full_name", OldValue: "A", NewValue: "B"},
	})
	out := tr.TranslateChangeMessage(msg, "hr.employee")

	require.True(t, out.IsTable())
	assert.Equal(t, []string{"Field", "Old value", "New value"}, out.Table.Headers)
	assert.Equal(t, "Employment status", out.Table.Rows[0].Field)
	assert.Equal(t, "Full Name", out.Table.Rows[1].Field)
	assert.Equal(t, "Active", out.Table.Rows[0].OldValue)
	assert.Equal(t, "status", msg.Table.Rows[0].Field, "input is not modified")

	vi := tr.For("vi").TranslateChangeMessage(msg, "hr.employee")
	assert.Equal(t, []string{"Trường", "Giá trị cũ", "Giá trị mới"}, vi.Table.Headers)
}

func TestTranslateChangeMessage_PassThrough(t *testing.T) {
	tr := newTestTranslator(t, "en")

	text := audit.TextMessage("Object modified")
	assert.Equal(t, text, tr.TranslateChangeMessage(text, "hr.employee"))

	empty := audit.ChangeMessage{Table: &audit.ChangeTable{}}
	assert.Same(t, empty.Table, tr.TranslateChangeMessage(empty, "hr.employee").Table)
}
