package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localretrieve/localretrieve/internal/search"
)

var (
	flagCollection string
	flagLimit      int
	flagSemantic   bool
	flagDebug      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search a collection through the running worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := dialWorker(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		method := "searchText"
		if flagSemantic {
			method = "searchSemantic"
		}

		params := map[string]any{
			"collection": flagCollection,
			"query":      strings.Join(args, " "),
			"options": search.Options{
				Limit: flagLimit,
				Debug: flagDebug,
			},
		}

		var resp search.Response
		if err := client.CallInto(context.Background(), method, params, &resp); err != nil {
			return err
		}

		if !interactive() {
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(resp.Results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for i, r := range resp.Results {
			fmt.Printf("%d. %s (score %.3f", i+1, r.ID, r.Score)
			if r.FTSScore != 0 || r.VecScore != 0 {
				fmt.Printf(", fts %.3f, vec %.3f", r.FTSScore, r.VecScore)
			}
			fmt.Println(")")
			if r.Title != "" {
				fmt.Printf("   %s\n", r.Title)
			}
			for _, s := range r.Snippets {
				fmt.Printf("   %s\n", s)
			}
		}
		if flagDebug && resp.Debug != nil && resp.Debug.Plan != nil {
			fmt.Printf("\nstrategy=%s mode=%s fusion=%s\n",
				resp.Debug.Plan.Strategy, resp.Debug.Plan.Mode, resp.Debug.Plan.Fusion.Method)
			for _, w := range resp.Debug.Warnings {
				fmt.Println("warning:", w)
			}
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&flagCollection, "collection", "default", "collection to search")
	searchCmd.Flags().IntVarP(&flagLimit, "limit", "n", 10, "maximum results")
	searchCmd.Flags().BoolVar(&flagSemantic, "semantic", false, "vector-only search")
	searchCmd.Flags().BoolVar(&flagDebug, "debug", false, "include debug info")
	rootCmd.AddCommand(searchCmd)
}
