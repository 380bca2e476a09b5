// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/zalo-scheduler/internal/app"
	"github.com/unclebandit/zalo-scheduler/internal/config"
	"github.com/unclebandit/zalo-scheduler/internal/controller"
	"github.com/unclebandit/zalo-scheduler/internal/logger"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:   "server",
		Short: "Zalo schedule API server",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var withWorker bool

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, withWorker)
		},
	}
	command.Flags().BoolVar(&withWorker, "with-worker", false, "run the dispatcher and worker in this process")
	return command
}

func serve(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, withWorker bool) error {
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	execDone := make(chan error, 1)
	if withWorker {
		exec, err := a.NewExecutor(service.MockSender{SuccessRate: cfg.Worker.SenderSuccess})
		if err != nil {
			return err
		}
		go func() { execDone <- exec.Run(ctx, a) }()
		log.Infow("in-process executor started", "queue", cfg.Worker.Queue)
	} else {
		close(execDone)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           controller.NewRouter(a.Schedules, a.Ping, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server running", "addr", cfg.HTTP.Addr, "store", cfg.Store, "rate_limit", cfg.RateLimit.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server shutdown failed", "error", err)
	}
	if err := <-execDone; err != nil {
		log.Errorw("executor shutdown failed", "error", err)
	}
	return nil
}
