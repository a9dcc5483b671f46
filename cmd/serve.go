package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fwdl/internal/server/api"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP download/upload service",
	Long: `Serve the flash image over HTTP.

Routes:
  GET  /dumpflash            full flash (configurable path)
  GET  /dumpflash_secure     full flash with redacted regions blanked
  GET  /downloaddirect?label one partition
  GET  /downloadboot         bootloader region
  GET  /activate[?label]     switch the boot partition and restart
  GET  /clone[?label]        copy the running image into another slot
  POST /upload               multipart upload into a partition
  GET  /partitions           JSON partition map
  GET  /health               watchdog status

Examples:
  fwdl serve --image flash.bin --listen :8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config, :8080)")
}

func runServe(ctx context.Context) error {
	flash, factory, err := openServices(false)
	if err != nil {
		return err
	}
	defer flash.Close()

	server, err := api.New(factory, logger)
	if err != nil {
		return err
	}
	srv := server.HTTPServer()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "address", srv.Addr, "image", cfg.ImagePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := flash.Sync(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
