// Package cmd implements the localretrieve CLI.
package cmd

import (
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/localretrieve/localretrieve/internal/config"
	"github.com/localretrieve/localretrieve/internal/rpc"
)

var (
	flagConfig string
	flagSocket string
)

var rootCmd = &cobra.Command{
	Use:   "localretrieve",
	Short: "Embedded hybrid search engine",
	Long: `LocalRetrieve is an embedded hybrid search engine: documents and
their dense vectors live in a single SQLite database, and queries combine
full-text (BM25) and vector (cosine) scoring with configurable fusion.

Run 'localretrieve serve' to start the database worker, then use the
client commands (search, status) against its socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&flagSocket, "socket", "s", "", "worker socket path")
}

// loadConfig reads the config file plus environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagSocket != "" {
		cfg.RPC.SocketPath = flagSocket
	}
	return cfg, nil
}

// dialWorker connects a client to the worker socket.
func dialWorker(cfg *config.Config) (*rpc.Client, error) {
	conn, err := net.DialTimeout("unix", cfg.RPC.SocketPath, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(conn, rpc.ClientConfig{
		MaxConcurrent: cfg.RPC.MaxConcurrent,
		CallTimeout:   cfg.RPC.CallTimeout,
	}), nil
}

// interactive reports whether stdout is a terminal.
func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
