package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/foremanhq/foreman/internal/engine"
	"github.com/foremanhq/foreman/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng.Start(ctx)
		defer eng.Stop()

		// Budget limits follow config file edits without a restart.
		if cfgPath != "" {
			watcher, err := config.Watch(cfgPath, func(fresh *config.Config) {
				eng.Budget().SetLimits(fresh.Budget)
			})
			if err != nil {
				log.Printf("[serve] config watch disabled: %v", err)
			} else {
				defer watcher.Close()
			}
		}

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv := &http.Server{
			Addr:    addr,
			Handler: server.New(eng),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Printf("[serve] listening on http://%s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
