package cli

import (
	"go.uber.org/zap"

	"github.com/telekom/audit-trail/pkg/audit"
	"github.com/telekom/audit-trail/pkg/batch"
	"github.com/telekom/audit-trail/pkg/capture"
	"github.com/telekom/audit-trail/pkg/config"
	"github.com/telekom/audit-trail/pkg/format"
	"github.com/telekom/audit-trail/pkg/registry"
	"github.com/telekom/audit-trail/pkg/translation"
)

// App is the audit pipeline wired from configuration.
type App struct {
	Config     config.Config
	Registry   *registry.Registry
	Translator *translation.Translator
	Service    *audit.Service
	Capturer   *capture.Capturer
}

// NewApp opens the local log and the configured broker sinks and registers
// the declared models. Close releases the sinks.
func NewApp(cfg config.Config, logger *zap.Logger) (*App, error) {
	service, err := audit.NewService(cfg.Audit, logger)
	if err != nil {
		return nil, err
	}
	return newAppWithService(cfg, service, logger), nil
}

func newAppWithService(cfg config.Config, service *audit.Service, logger *zap.Logger) *App {
	reg := registry.New(logger)
	tr := translation.New(reg, cfg.Audit.Language, logger)
	c := capture.New(reg, format.New(reg, tr, logger), service, nil, logger,
		capture.WithSessionCookie(cfg.Server.SessionCookie),
		capture.WithCorrelator(batch.NewCorrelator(service, tr, logger)))

	n := RegisterModels(reg, cfg.Audit.Models)
	logger.Debug("registered configured models", zap.Int("count", n))

	return &App{
		Config:     cfg,
		Registry:   reg,
		Translator: tr,
		Service:    service,
		Capturer:   c,
	}
}

// RegisterModels registers the display metadata of models declared in
// configuration and returns how many were new.
func RegisterModels(reg *registry.Registry, models []config.Model) int {
	var n int
	for _, m := range models {
		opts := []registry.Option{registry.WithVerboseName(m.VerboseName, m.VerboseNamePlural)}
		for field, label := range m.Fields {
			opts = append(opts, registry.WithFieldLabel(field, label))
		}
		for field, choices := range m.Choices {
			opts = append(opts, registry.WithChoices(field, choices))
		}
		if m.Redirect != nil {
			opts = append(opts, registry.WithRedirect(m.Redirect.Target, m.Redirect.LinkField))
		}
		if reg.Register(registry.Ref{Type: m.Type}, opts...) {
			n++
		}
	}
	return n
}

func (a *App) Close() error {
	return a.Service.Close()
}
