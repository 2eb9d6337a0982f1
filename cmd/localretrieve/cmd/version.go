package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localretrieve/localretrieve/internal/handlers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Println("localretrieve", handlers.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
