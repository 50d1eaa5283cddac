package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/system"
)

// Environment variables read by the root command.
const (
	EnvDebug  = "AUDIT_DEBUG"
	EnvOutput = "AUDIT_OUTPUT"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
	// Logger replaces the logger built from --debug.
	Logger *zap.Logger
}

type runtimeState struct {
	configPath   string
	outputFormat string
	debug        bool
	cfg          config.Config
	logger       *zap.Logger
	ownsLogger   bool
	writer       io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   getEnvString(config.EnvConfigPath, ""),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter, logger: cfg.Logger}

	root := &cobra.Command{
		Use:           "audittrail",
		Short:         "Audit trail pipeline for the HR and payroll platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, rt))
			if rt.writer == nil {
				rt.writer = cmd.OutOrStdout()
			}
			if !rt.debug {
				rt.debug = getEnvBool(EnvDebug, false)
			}
			if rt.outputFormat == "" {
				rt.outputFormat = getEnvString(EnvOutput, "")
			}

			// version works without a config file
			if cmd.Name() == "version" {
				return nil
			}
			if rt.logger == nil {
				logger, err := system.NewLogger(rt.debug)
				if err != nil {
					return err
				}
				rt.logger, rt.ownsLogger = logger, true
			}
			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = loaded
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.ownsLogger {
				// Sync on stderr fails on most terminals; nothing to act on.
				_ = rt.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file (default ./config.yaml)")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug level logging")

	root.AddCommand(
		NewServeCommand(),
		NewEmitCommand(),
		NewEnsureStreamCommand(),
		NewModelsCommand(),
		NewVersionCommand(),
	)
	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) OutputFormat(fallback Format) Format {
	if rt.outputFormat != "" {
		return Format(strings.ToLower(rt.outputFormat))
	}
	return fallback
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
