package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/telekom/audit-trail/pkg/api"
	"github.com/telekom/audit-trail/pkg/audit"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// WriteObject writes obj as JSON or YAML. YAML goes through the JSON form so
// both formats use the same keys.
func WriteObject(w io.Writer, format Format, obj any) error {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case FormatYAML:
		raw, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		data, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("failed to marshal to YAML: %w", err)
		}
		_, err = fmt.Fprint(w, string(data))
		return err
	case FormatTable:
		return fmt.Errorf("table format requires a specific formatter")
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// WriteEventTable writes the identifying fields of event and, for table
// messages, one line per changed field.
func WriteEventTable(w io.Writer, event *audit.Event) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LOG ID\tACTION\tOBJECT TYPE\tOBJECT ID\tOBJECT")
	_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
		event.LogID, event.Action, event.ObjectType, deref(event.ObjectID), dash(event.ObjectRepr))
	_ = tw.Flush()

	msg := event.ChangeMessage
	if !msg.IsTable() {
		_, _ = fmt.Fprintf(w, "\n%s\n", msg.Text)
		return
	}
	_, _ = fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.ToUpper(strings.Join(msg.Table.Headers, "\t")))
	for _, row := range msg.Table.Rows {
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%v\n", row.Field, row.OldValue, row.NewValue)
	}
	_ = tw.Flush()
}

// WriteModelTable writes one line per model.
func WriteModelTable(w io.Writer, models []api.ModelInfo) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TYPE\tNAME\tPLURAL\tFIELDS\tREDIRECT")
	for _, m := range models {
		fields := make([]string, 0, len(m.Fields))
		for name := range m.Fields {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Key, m.VerboseName, m.VerboseNamePlural, dash(strings.Join(fields, ",")), dash(m.RedirectTarget))
	}
	_ = tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return dash(*s)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
