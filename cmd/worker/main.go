// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/unclebandit/zalo-scheduler/internal/app"
	"github.com/unclebandit/zalo-scheduler/internal/config"
	"github.com/unclebandit/zalo-scheduler/internal/logger"
	"github.com/unclebandit/zalo-scheduler/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Dispatches and executes scheduled tasks",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	root.AddCommand(runCmd())
	root.AddCommand(sweepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var successRate float64

	command := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher, the worker and the periodic sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("success-rate") {
				cfg.Worker.SenderSuccess = successRate
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.NewExecutor(service.MockSender{SuccessRate: cfg.Worker.SenderSuccess})
			if err != nil {
				return err
			}
			log.Infow("worker running, waiting for tasks...",
				"queue", cfg.Worker.Queue,
				"dispatch_interval", cfg.Worker.DispatchInterval,
				"concurrency", cfg.Worker.Concurrency,
			)
			return exec.Run(ctx, a)
		},
	}
	command.Flags().Float64Var(&successRate, "success-rate", 0.9, "mock sender success rate")
	return command
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
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

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := service.NewReconciler(a.Schedules, cfg.Worker.StaleAfter, log).Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", report)
			return err
		},
	}
}
