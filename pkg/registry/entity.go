// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package registry maps entity types to their audit metadata: display names,
// field labels, enumerated choices and the redirect target of dependent types.
package registry

import (
	"reflect"
	"strings"
	"time"
	"unicode"
)

// Entity is a persisted domain object the audit trail can describe.
type Entity interface {
	// EntityType returns the "app.model" key of the type.
	EntityType() string
	// PrimaryKey returns the persisted identity, or "" when unsaved.
	PrimaryKey() string
	String() string
}

// Valuer lets an entity provide its own field snapshot.
type Valuer interface {
	AuditValues() map[string]any
}

// Snapshot returns the comparable field values of e keyed by field name.
// Without a Valuer, exported struct fields are read by reflection: the name
// comes from the `audit` tag, then the `json` tag, then the snake-cased field
// name; `audit:"-"` skips a field. Nested structs other than time.Time are
// skipped.
func Snapshot(e Entity) map[string]any {
	if e == nil {
		return nil
	}
	if v, ok := e.(Valuer); ok {
		return v.AuditValues()
	}

	rv := reflect.ValueOf(e)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	out := make(map[string]any, rv.NumField())
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, skip := fieldName(sf)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if !comparableKind(fv) {
			continue
		}
		out[name] = fieldValue(fv)
	}
	return out
}

var timeType = reflect.TypeOf(time.Time{})

func comparableKind(v reflect.Value) bool {
	t := v.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return t == timeType
	case reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return false
	}
	return true
}

func fieldValue(v reflect.Value) any {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func fieldName(sf reflect.StructField) (string, bool) {
	if tag, ok := sf.Tag.Lookup("audit"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", true
		}
		if name != "" {
			return name, false
		}
	}
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			return "", true
		}
		if name != "" {
			return name, false
		}
	}
	return SnakeCase(sf.Name), false
}

// SnakeCase converts a Go identifier such as "DepartmentID" to "department_id".
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ref is a bare entity reference for events that have no loaded object,
// such as logins or manual entries.
type Ref struct {
	Type string
	ID   string
	Repr string
}

func (r Ref) EntityType() string { return r.Type }
func (r Ref) PrimaryKey() string { return r.ID }

func (r Ref) String() string {
	if r.Repr != "" {
		return r.Repr
	}
	return r.Type + " " + r.ID
}

// AuditValues exposes no comparable fields.
func (r Ref) AuditValues() map[string]any { return map[string]any{} }
