// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

// Package translation maps internal entity, field and action names to display
// labels. Registered metadata wins; anything else is humanized.
package translation

import (
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/registry"
)

// Supported lists the display languages with catalog entries.
var Supported = []language.Tag{language.English, language.Vietnamese}

var matcher = language.NewMatcher(Supported)

// Catalog keys.
const (
	msgHeaderField    = "field"
	msgHeaderOldValue = "old_value"
	msgHeaderNewValue = "new_value"
	msgActionCreate   = "action.create"
	msgActionUpdate   = "action.update"
	msgActionDelete   = "action.delete"
)

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	set := func(tag language.Tag, entries map[string]string) {
		for key, msg := range entries {
			// SetString only fails for malformed tags.
			_ = b.SetString(tag, key, msg)
		}
	}
	set(language.English, map[string]string{
		msgHeaderField:    "Field",
		msgHeaderOldValue: "Old value",
		msgHeaderNewValue: "New value",
		msgActionCreate:   "Create",
		msgActionUpdate:   "Update",
		msgActionDelete:   "Delete",
	})
	set(language.Vietnamese, map[string]string{
		msgHeaderField:    "Trường",
		msgHeaderOldValue: "Giá trị cũ",
		msgHeaderNewValue: "Giá trị mới",
		msgActionCreate:   "Tạo mới",
		msgActionUpdate:   "Cập nhật",
		msgActionDelete:   "Xóa",
	})
	return b
}

// Translator resolves display labels in one language.
type Translator struct {
	registry *registry.Registry
	logger   *zap.Logger
	catalog  *catalog.Builder
	lang     language.Tag
}

// New creates a Translator for lang ("en", "vi", or an Accept-Language value).
// Unsupported languages fall back to English.
func New(reg *registry.Registry, lang string, logger *zap.Logger) *Translator {
	t := &Translator{
		registry: reg,
		logger:   logger.Named("translation"),
		catalog:  newCatalog(),
	}
	t.setLanguage(lang)
	return t
}

func (t *Translator) setLanguage(lang string) {
	t.lang = MatchLanguage(lang)
}

// Printers and casers are built per call; a cases.Caser must not be shared
// between goroutines.
func (t *Translator) printer() *message.Printer {
	return message.NewPrinter(t.lang, message.Catalog(t.catalog))
}

// MatchLanguage picks the best supported language for an Accept-Language
// value or a bare tag.
func MatchLanguage(lang string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return Supported[idx]
}

// Language returns the active language.
func (t *Translator) Language() language.Tag {
	return t.lang
}

// For returns a copy of t in another language.
func (t *Translator) For(lang string) *Translator {
	c := *t
	c.setLanguage(lang)
	return &c
}

// Humanize turns "employee_contract" into "Employee Contract".
func (t *Translator) Humanize(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if name == "" {
		return ""
	}
	return cases.Title(t.lang).String(name)
}

// DisplayForEntity returns the registered display name of typeKey, or the
// humanized model part of the key.
func (t *Translator) DisplayForEntity(typeKey string) string {
	if t.registry != nil {
		if d, ok := t.registry.ModelInfo(typeKey); ok && d.VerboseName != "" {
			return d.VerboseName
		}
	}
	model := typeKey
	if i := strings.LastIndex(model, "."); i >= 0 {
		model = model[i+1:]
	}
	t.logger.Debug("no registered display name, humanizing", zap.String("type", typeKey))
	return t.Humanize(model)
}

// DisplayForField returns the registered label of field on typeKey, or the
// humanized field name. typeKey may be empty.
func (t *Translator) DisplayForField(field, typeKey string) string {
	if typeKey != "" && t.registry != nil {
		if d, ok := t.registry.ModelInfo(typeKey); ok {
			if f, ok := d.Field(field); ok && f.Label != "" {
				return f.Label
			}
		}
	}
	return t.Humanize(field)
}

// DisplayForAction maps ADD, CHANGE and DELETE to Create, Update and Delete
// and humanizes every other action.
func (t *Translator) DisplayForAction(action audit.Action) string {
	switch action {
	case audit.ActionAdd:
		return t.printer().Sprintf(msgActionCreate)
	case audit.ActionChange:
		return t.printer().Sprintf(msgActionUpdate)
	case audit.ActionDelete:
		return t.printer().Sprintf(msgActionDelete)
	}
	return t.Humanize(strings.ToLower(string(action)))
}

// DisplayForHeader localizes a change table header.
func (t *Translator) DisplayForHeader(header string) string {
	switch header {
	case msgHeaderField:
		return t.printer().Sprintf(msgHeaderField)
	case msgHeaderOldValue:
		return t.printer().Sprintf(msgHeaderOldValue)
	case msgHeaderNewValue:
		return t.printer().Sprintf(msgHeaderNewValue)
	}
	return t.Humanize(header)
}

// TranslateChangeMessage localizes the headers and field names of a table
// message. Text messages and empty tables pass through unchanged.
func (t *Translator) TranslateChangeMessage(msg audit.ChangeMessage, typeKey string) audit.ChangeMessage {
	if !msg.IsTable() || (len(msg.Table.Rows) == 0 && len(msg.Table.Headers) == 0) {
		return msg
	}

	out := &audit.ChangeTable{
		Headers: make([]string, len(msg.Table.Headers)),
		Rows:    make([]audit.ChangeRow, len(msg.Table.Rows)),
	}
	for i, h := range msg.Table.Headers {
		out.Headers[i] = t.DisplayForHeader(h)
	}
	for i, row := range msg.Table.Rows {
		row.Field = t.DisplayForField(row.Field, typeKey)
		out.Rows[i] = row
	}
	return audit.ChangeMessage{Table: out}
}
