package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/api"
	"github.com/vidforge/vidforge/pkg/metrics"
	"github.com/vidforge/vidforge/pkg/shutdown"
)

var serveListen string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the strategy and history API with Prometheus metrics",
	Long: `Run an HTTP server exposing the strategy query surface, conversion
history, recent engine diagnostics, and Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8090", "listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()
	rec := metrics.NewRecorder(nil)

	pipe, caps, err := buildPipeline(cmd.Context(), rec, log)
	if err != nil {
		return err
	}

	handler := api.NewHandler(pipe, nil, log)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         serveListen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mgr := shutdown.New(30*time.Second, log)
	mgr.Register(func(context.Context) error {
		pipe.Terminate()
		return nil
	})
	mgr.Register(func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("api server listening", map[string]interface{}{
			"addr":    serveListen,
			"hwaccel": caps.HardwareAccel,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go mgr.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-mgr.Done():
		mgr.Shutdown()
		return nil
	}
}
