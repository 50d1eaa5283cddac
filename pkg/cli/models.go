package cli

import (
	"github.com/spf13/cobra"

	"github.com/telekom/audit-trail/pkg/api"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/translation"
)

func NewModelsCommand() *cobra.Command {
	var lang string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models declared in the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			reg := registry.New(rt.logger)
			RegisterModels(reg, rt.cfg.Audit.Models)
			if lang == "" {
				lang = rt.cfg.Audit.Language
			}
			models := api.DescribeModels(reg, translation.New(reg, lang, rt.logger))

			format := rt.OutputFormat(FormatTable)
			if format == FormatTable {
				WriteModelTable(rt.Writer(), models)
				return nil
			}
			return WriteObject(rt.Writer(), format, models)
		},
	}

	cmd.Flags().StringVar(&lang, "lang", "", "Display language, defaults to audit.language")
	return cmd
}
