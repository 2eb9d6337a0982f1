package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localretrieve/localretrieve/internal/worker"
)

var flagDBPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the database worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagDBPath != "" {
			cfg.Database.Path = flagDBPath
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w, err := worker.New(ctx, cfg)
		if err != nil {
			return err
		}
		if err := w.SetupLogging(); err != nil {
			return err
		}

		err = w.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagDBPath, "db", "", "database file path (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
