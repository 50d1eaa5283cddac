// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// Action is the kind of mutation or administrative operation being audited.
type Action string

const (
	ActionAdd            Action = "ADD"
	ActionChange         Action = "CHANGE"
	ActionDelete         Action = "DELETE"
	ActionImport         Action = "IMPORT"
	ActionExport         Action = "EXPORT"
	ActionLogin          Action = "LOGIN"
	ActionPasswordChange Action = "PASSWORD_CHANGE"
	ActionPasswordReset  Action = "PASSWORD_RESET"
)

// Actions lists every known action in declaration order.
var Actions = []Action{
	ActionAdd,
	ActionChange,
	ActionDelete,
	ActionImport,
	ActionExport,
	ActionLogin,
	ActionPasswordChange,
	ActionPasswordReset,
}

// ParseAction converts a case-insensitive action name into an Action.
func ParseAction(s string) (Action, error) {
	candidate := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range Actions {
		if a == candidate {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown audit action %q", s)
}

// Verb returns the lower-case verb used in generated messages ("import", "password change").
func (a Action) Verb() string {
	return strings.ReplaceAll(strings.ToLower(string(a)), "_", " ")
}

// Wire keys of the delivered record.
const (
	KeyLogID          = "log_id"
	KeyTimestamp      = "timestamp"
	KeyAction         = "action"
	KeyObjectType     = "object_type"
	KeyObjectID       = "object_id"
	KeyObjectRepr     = "object_repr"
	KeyUserID         = "user_id"
	KeyUsername       = "username"
	KeyEmployeeCode   = "employee_code"
	KeyEmployeeName   = "employee_name"
	KeyDepartmentID   = "department_id"
	KeyDepartmentName = "department_name"
	KeyPositionID     = "position_id"
	KeyPositionName   = "position_name"
	KeyIPAddress      = "ip_address"
	KeyUserAgent      = "user_agent"
	KeySessionKey     = "session_key"
	KeyChangeMessage  = "change_message"
)

// Actor identifies the authenticated user that triggered a mutation.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// DisplayName prefers the username, then the email, then the name, then the id.
func (a *Actor) DisplayName() string {
	if a == nil {
		return ""
	}
	switch {
	case a.Username != "":
		return a.Username
	case a.Email != "":
		return a.Email
	case a.Name != "":
		return a.Name
	default:
		return a.ID
	}
}

// String returns the display name.
func (a *Actor) String() string {
	return a.DisplayName()
}

// OrgAttributes are the organizational attributes of an actor derived from their
// primary active assignment. Every field is optional.
type OrgAttributes struct {
	EmployeeCode   string
	EmployeeName   string
	DepartmentID   string
	DepartmentName string
	PositionID     string
	PositionName   string
}

// UserInfo is the actor section of an event.
type UserInfo struct {
	ID       string
	Username string
	Org      *OrgAttributes
}

// RequestInfo is the request metadata section of an event.
type RequestInfo struct {
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	SessionKey string `json:"session_key"`
}

// Headers of the structured change table.
var ChangeTableHeaders = []string{"field", "old_value", "new_value"}

// ChangeRow is a single field-level difference.
type ChangeRow struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// ChangeTable is the structured {headers, rows} form of a change description.
type ChangeTable struct {
	Headers []string    `json:"headers"`
	Rows    []ChangeRow `json:"rows"`
}

// ChangeMessage is either a fixed string or a structured table.
type ChangeMessage struct {
	Text  string
	Table *ChangeTable
}

// TextMessage builds a plain string change message.
func TextMessage(s string) ChangeMessage {
	return ChangeMessage{Text: s}
}

// TableMessage builds a structured change message with the standard headers.
func TableMessage(rows []ChangeRow) ChangeMessage {
	headers := make([]string, len(ChangeTableHeaders))
	copy(headers, ChangeTableHeaders)
	return ChangeMessage{Table: &ChangeTable{Headers: headers, Rows: rows}}
}

// IsTable reports whether the message carries a structured table.
func (m ChangeMessage) IsTable() bool {
	return m.Table != nil
}

// Value returns the JSON-ready form of the message.
func (m ChangeMessage) Value() any {
	if m.Table != nil {
		return m.Table
	}
	return m.Text
}

// String renders the message for logs.
func (m ChangeMessage) String() string {
	if m.Table == nil {
		return m.Text
	}
	fields := make([]string, 0, len(m.Table.Rows))
	for _, row := range m.Table.Rows {
		fields = append(fields, row.Field)
	}
	return "Changed " + strings.Join(fields, ", ")
}

// MarshalJSON encodes the message as a string or as a {headers, rows} object.
func (m ChangeMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Value())
}

// UnmarshalJSON accepts either form.
func (m *ChangeMessage) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*m = ChangeMessage{Text: text}
		return nil
	}
	var table ChangeTable
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("change message is neither a string nor a table: %w", err)
	}
	*m = ChangeMessage{Table: &table}
	return nil
}

// Event is one audited mutation, ready for delivery.
type Event struct {
	LogID         string
	Timestamp     time.Time
	Action        Action
	ObjectType    string
	ObjectID      *string
	ObjectRepr    string
	User          *UserInfo
	Request       *RequestInfo
	ChangeMessage ChangeMessage

	// Extra holds caller-supplied keys (batch correlation, source metadata).
	// They are merged last and win over computed keys on collision.
	Extra map[string]any

	encoded []byte
}

// SetExtra sets a single extra key.
func (e *Event) SetExtra(key string, value any) {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
}

// MergeExtra copies every entry of extra into the event.
func (e *Event) MergeExtra(extra map[string]any) {
	for k, v := range extra {
		e.SetExtra(k, v)
	}
}

// Fields returns the flat wire representation of the event.
func (e *Event) Fields() map[string]any {
	fields := map[string]any{
		KeyAction:        e.Action,
		KeyObjectType:    e.ObjectType,
		KeyObjectRepr:    e.ObjectRepr,
		KeyChangeMessage: e.ChangeMessage,
	}
	if e.LogID != "" {
		fields[KeyLogID] = e.LogID
	}
	if !e.Timestamp.IsZero() {
		fields[KeyTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if e.ObjectID != nil {
		fields[KeyObjectID] = *e.ObjectID
	} else {
		fields[KeyObjectID] = nil
	}
	if e.User != nil {
		fields[KeyUserID] = e.User.ID
		fields[KeyUsername] = e.User.Username
		if org := e.User.Org; org != nil {
			putNonEmpty(fields, KeyEmployeeCode, org.EmployeeCode)
			putNonEmpty(fields, KeyEmployeeName, org.EmployeeName)
			putNonEmpty(fields, KeyDepartmentID, org.DepartmentID)
			putNonEmpty(fields, KeyDepartmentName, org.DepartmentName)
			putNonEmpty(fields, KeyPositionID, org.PositionID)
			putNonEmpty(fields, KeyPositionName, org.PositionName)
		}
	}
	if e.Request != nil {
		fields[KeyIPAddress] = e.Request.IPAddress
		fields[KeyUserAgent] = e.Request.UserAgent
		fields[KeySessionKey] = e.Request.SessionKey
	}
	for k, v := range e.Extra {
		fields[k] = v
	}
	return fields
}

func putNonEmpty(fields map[string]any, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

// MarshalJSON encodes the flat wire representation.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

// Encode serializes the event once and caches the result. Any mutation after
// the first call is not reflected in later calls.
func (e *Event) Encode() ([]byte, error) {
	if e.encoded != nil {
		return e.encoded, nil
	}
	data, err := json.Marshal(e.Fields())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize audit event: %w", err)
	}
	e.encoded = data
	return data, nil
}

// MarshalLogObject lets zap write the event as structured fields.
func (e *Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	for k, v := range e.Fields() {
		switch val := v.(type) {
		case string:
			enc.AddString(k, val)
		case Action:
			enc.AddString(k, string(val))
		case nil:
			if err := enc.AddReflected(k, nil); err != nil {
				return err
			}
		default:
			if err := enc.AddReflected(k, val); err != nil {
				return err
			}
		}
	}
	return nil
}
