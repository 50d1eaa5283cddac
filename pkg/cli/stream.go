package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-trail/pkg/audit"
)

func NewEnsureStreamCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ensure-stream",
		Short: "Create the broker stream or topic if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			// Provisioning does not write events; keep the configured log file closed.
			service, err := audit.NewServiceWithLocal(rt.cfg.Audit, audit.NewLogSink(rt.logger), rt.logger)
			if err != nil {
				return fmt.Errorf("build audit pipeline: %w", err)
			}
			defer func() { _ = service.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			stream := rt.cfg.Audit.Broker.Stream
			if err := service.Pipeline().EnsureStream(ctx); err != nil {
				return fmt.Errorf("ensure stream %q: %w", stream, err)
			}
			_, _ = fmt.Fprintf(rt.Writer(), "stream %s ready\n", stream)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the broker")
	return cmd
}
