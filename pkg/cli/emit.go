package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/capture"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/version"
)

type emitOptions struct {
	action     string
	objectType string
	objectID   string
	objectRepr string
	actorID    string
	actorName  string
	actorEmail string
	ipAddress  string
	userAgent  string
	extra      map[string]string
}

func NewEmitCommand() *cobra.Command {
	opts := emitOptions{}

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Log a manual audit event, e.g. a password reset done by an operator",
		Example: `  audittrail emit --action PASSWORD_RESET --type auth.user --id 42 --repr alice \
    --actor-id 1 --actor ops-admin --extra ticket=HR-1234`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			action, err := audit.ParseAction(opts.action)
			if err != nil {
				return err
			}

			app, err := NewApp(rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build audit pipeline: %w", err)
			}
			defer func() { _ = app.Close() }()

			var extra map[string]any
			if len(opts.extra) > 0 {
				extra = make(map[string]any, len(opts.extra))
				for k, v := range opts.extra {
					extra[k] = v
				}
			}
			logOpts := []capture.LogOption{capture.WithRequest(&audit.RequestInfo{
				IPAddress: opts.ipAddress,
				UserAgent: opts.userAgent,
			})}
			if opts.actorID != "" {
				logOpts = append(logOpts, capture.WithActor(&audit.Actor{
					ID:       opts.actorID,
					Username: opts.actorName,
					Email:    opts.actorEmail,
				}))
			}

			subject := registry.Ref{Type: opts.objectType, ID: opts.objectID, Repr: opts.objectRepr}
			event, err := app.Capturer.LogEvent(cmd.Context(), action, nil, subject, extra, logOpts...)
			if event == nil {
				return err
			}
			if writeErr := writeEvent(rt, event); writeErr != nil {
				return writeErr
			}
			if err != nil {
				return fmt.Errorf("event %s logged locally but not published: %w", event.LogID, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.action, "action", "", "Action: "+actionList())
	cmd.Flags().StringVar(&opts.objectType, "type", "", "Object type key, e.g. auth.user")
	cmd.Flags().StringVar(&opts.objectID, "id", "", "Object primary key")
	cmd.Flags().StringVar(&opts.objectRepr, "repr", "", "Object display text")
	cmd.Flags().StringVar(&opts.actorID, "actor-id", "", "Acting user id; empty logs a system event")
	cmd.Flags().StringVar(&opts.actorName, "actor", "", "Acting username")
	cmd.Flags().StringVar(&opts.actorEmail, "actor-email", "", "Acting user email")
	cmd.Flags().StringVar(&opts.ipAddress, "ip", "", "Client IP address to record")
	cmd.Flags().StringVar(&opts.userAgent, "user-agent", version.UserAgent(), "User agent to record")
	cmd.Flags().StringToStringVar(&opts.extra, "extra", nil, "Extra key=value pairs")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func writeEvent(rt *runtimeState, event *audit.Event) error {
	format := rt.OutputFormat(FormatTable)
	if format == FormatTable {
		WriteEventTable(rt.Writer(), event)
		return nil
	}
	return WriteObject(rt.Writer(), format, event)
}

func actionList() string {
	var s string
	for i, a := range audit.Actions {
		if i > 0 {
			s += ", "
		}
		s += string(a)
	}
	return s
}
