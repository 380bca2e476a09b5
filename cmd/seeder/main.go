// cmd/seeder/main.go
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/unclebandit/zalo-scheduler/internal/config"
	"github.com/unclebandit/zalo-scheduler/internal/db"
	"github.com/unclebandit/zalo-scheduler/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "seeder",
		Short: "Database schema and sample data",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema",
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

			conn, err := db.Open(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer conn.Close()
			return db.Migrate(cmd.Context(), conn, log)
		},
	}
}

func seedCmd() *cobra.Command {
	var dir string

	command := &cobra.Command{
		Use:   "seed",
		Short: "Apply the schema, then load every seed/*.sql file",
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
			conn, err := db.Open(ctx, cfg.Database, log)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := db.Migrate(ctx, conn, log); err != nil {
				return err
			}

			seedFiles, err := filepath.Glob(filepath.Join(dir, "*.sql"))
			if err != nil {
				return err
			}
			// accounts before customers
			sort.Strings(seedFiles)

			for _, file := range seedFiles {
				content, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				if _, err := conn.ExecContext(ctx, string(content)); err != nil {
					return fmt.Errorf("failed to execute %s: %w", file, err)
				}
				log.Infow("seeded", "file", file)
			}

			log.Infow("database seeding completed successfully")
			return nil
		},
	}
	command.Flags().StringVar(&dir, "dir", "seed", "directory holding the seed SQL files")
	return command
}
