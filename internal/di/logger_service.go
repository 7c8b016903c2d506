package di

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/qkdnet/kmed/internal/api"
	"github.com/qkdnet/kmed/internal/config"
)

// LoggerService wraps the zerolog logger for DI.
type LoggerService struct {
	Logger *zerolog.Logger
}

// NewLogger creates the zerolog logger from configuration and keeps the
// global level in sync across config reloads.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger, err := api.NewLogger(cfgSvc.Config.Logging)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	svc := &LoggerService{Logger: &logger}
	svc.startWatching(cfgSvc)

	return svc, nil
}

// startWatching registers for config hot-reload so a changed
// logging.level takes effect without a restart. Level is the only
// logging field that reloads; output and format need a new process.
func (s *LoggerService) startWatching(cfgSvc *ConfigService) {
	if cfgSvc.watcher == nil {
		return
	}

	cfgSvc.watcher.OnReload(func(newCfg *config.Config) error {
		newLevel := newCfg.Logging.ParseLevel()
		if zerolog.GlobalLevel() != newLevel {
			zerolog.SetGlobalLevel(newLevel)
			log.Info().Str("level", newLevel.String()).Msg("Log level updated via hot-reload")
		}
		return nil
	})
}
