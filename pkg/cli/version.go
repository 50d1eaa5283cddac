package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-trail/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show audittrail version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			// Get runtime if available (for custom writer), but don't fail if missing
			rt, _ := getRuntime(cmd)
			writer := cmd.OutOrStdout()
			format := FormatTable
			if rt != nil {
				writer = rt.Writer()
				format = rt.OutputFormat(FormatTable)
			}

			if format == FormatTable {
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			}
			return WriteObject(writer, format, info)
		},
	}
}
