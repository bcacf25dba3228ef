package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/api"
	"github.com/transcodefarm/farmd/pkg/cloud"
	"github.com/transcodefarm/farmd/pkg/config"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log := logging.New("farmd", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	var provider cloud.Provider
	if cfg.Cloud.Provider != "" {
		provider, err = cloud.NewRESTProvider(cfg.Cloud.Provider, cfg.Cloud.APIBaseURL, cfg.Cloud.APIKeyFile)
		if err != nil {
			return fmt.Errorf("cloud provider: %w", err)
		}
		log.Infof("cloud provider %s configured", cfg.Cloud.Provider)
	}

	orc, err := orchestrator.New(cfg, provider, log)
	if err != nil {
		return err
	}
	if err := orc.Start(); err != nil {
		return err
	}

	handler := api.New(orc, log)
	// No WriteTimeout: /events holds a websocket open indefinitely.
	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     handler.Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		log.Errorf("http server: %v", err)
		orc.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	orc.Stop()
	return nil
}
