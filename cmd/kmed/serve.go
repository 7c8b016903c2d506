package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qkdnet/kmed/internal/api"
	"github.com/qkdnet/kmed/internal/di"
	"github.com/qkdnet/kmed/internal/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kmed key delivery server",
	Long: `Start the KME server that answers ETSI QKD 014 key requests. The master
role runs the shared pool and its refill loop; the slave role draws key
material from the master listed in kme.peers. When local_km.id is set
the per-user key manager and its sync worker run in the same process.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	// Determine config path
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	container, err := di.NewContainer(configPath)
	if err != nil {
		// Use fallback logger for config load error
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

	// Server sits at the end of the graph; resolving it builds everything
	serverSvc, err := di.Invoke[*di.ServerService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to build service graph")
		_ = container.Shutdown()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgSvc := di.MustInvoke[*di.ConfigService](container)
	cfgSvc.StartWatching(ctx)

	di.MustInvoke[*di.ProberService](container).Start()

	if refillSvc := di.MustInvoke[*di.RefillerService](container); refillSvc.Refiller != nil {
		go refillSvc.Refiller.Run(ctx)
	}

	if localSvc := di.MustInvoke[*di.LocalKMService](container); localSvc.Enabled() {
		go localSvc.Worker.Run(ctx)
	}

	cfg := cfgSvc.Config
	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("kme_id", cfg.KME.GetEffectiveID()).
		Bool("master", cfg.KME.IsMaster()).
		Msg("starting kmed")

	return runWithGracefulShutdown(serverSvc.Server, container, cancel)
}

// runWithGracefulShutdown serves until a shutdown signal arrives or the
// listener fails, then drains the server and the container. watchCancel
// stops the config watcher and the background loops before teardown.
func runWithGracefulShutdown(server *api.Server, container *di.Container, watchCancel context.CancelFunc) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	go func() {
		if sig, waitErr := events.WaitForShutdown(ctx); waitErr == nil {
			sigCh <- sig
		}
	}()

	select {
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
		if watchCancel != nil {
			watchCancel()
		}
		_ = container.Shutdown()
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down...")
	}

	if watchCancel != nil {
		watchCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := container.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}

	log.Info().Msg("server stopped")

	return nil
}

// findConfigFile searches for kmed.yaml in default locations.
func findConfigFile() string {
	return findConfigIn(".")
}

// findConfigIn looks for the config file in dir before falling back to
// the per-user config directory.
func findConfigIn(dir string) string {
	home, _ := os.UserHomeDir()
	return findConfigInWithHome(dir, home)
}

// findConfigInWithHome is findConfigIn with an explicit home directory.
// An empty home skips the per-user lookup.
func findConfigInWithHome(dir, home string) string {
	p := filepath.Join(dir, defaultConfigFile)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	if home != "" {
		hp := filepath.Join(home, ".config", "kmed", defaultConfigFile)
		if _, err := os.Stat(hp); err == nil {
			return hp
		}
	}

	return defaultConfigFile // Default, will error if not found
}
