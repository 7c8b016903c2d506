package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qkdnet/kmed/internal/api"
	"github.com/qkdnet/kmed/internal/di"
)

var localkmCmd = &cobra.Command{
	Use:   "localkm",
	Short: "Start the standalone Local Key Manager",
	Long: `Start the Local Key Manager without a KME role: only the per-user key
endpoints and the liveness probe are served. Key material is replenished
from the KMEs listed in local_km.upstream_urls by the sync worker.
Requires local_km.id in the config.`,
	RunE: runLocalKM,
}

func init() {
	rootCmd.AddCommand(localkmCmd)
}

func runLocalKM(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	return runLocalKMWithConfig(configPath)
}

// runLocalKMWithConfig brings up the user-keys surface from the config
// at configPath and serves until shutdown.
func runLocalKMWithConfig(configPath string) error {
	container, err := di.NewContainer(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to load config")
		return err
	}

	loggerSvc, err := di.Invoke[*di.LoggerService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize logger")
		_ = container.Shutdown()
		return err
	}

	log.Logger = *loggerSvc.Logger
	zerolog.DefaultContextLogger = loggerSvc.Logger

	localSvc, err := di.Invoke[*di.LocalKMService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to open the local key manager")
		_ = container.Shutdown()
		return err
	}
	if !localSvc.Enabled() {
		_ = container.Shutdown()
		return errors.New("local_km.id is not set; the localkm command needs the local_km section configured")
	}

	cfgSvc := di.MustInvoke[*di.ConfigService](container)
	cfg := cfgSvc.Config
	limitsSvc := di.MustInvoke[*di.RateLimitService](container)

	// The full KME graph stays unbuilt; this command wires only the
	// user-keys surface.
	local := api.NewLocalKMHandler(cfg, localSvc.Manager, nil)
	handler := api.SetupLocalKMRoutes(cfg, local, limitsSvc.Registry)

	server, err := api.NewServer(cfg.Server, handler)
	if err != nil {
		log.Error().Err(err).Msg("failed to create server")
		_ = container.Shutdown()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgSvc.StartWatching(ctx)
	go localSvc.Worker.Run(ctx)

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("km_id", cfg.LocalKM.ID).
		Msg("starting local key manager")

	return runWithGracefulShutdown(server, container, cancel)
}
