package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pattern-search/internal/discovery"
)

var fetchItems string

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download item images into the asset directory without labeling",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("fetch"); err != nil {
			return err
		}

		items, err := discovery.Load(ctx, fetchItems)
		if err != nil {
			return eris.Wrap(err, "fetch: load items")
		}

		res, err := initFetcher().FetchAll(ctx, items, cfg.Fetch.Concurrency)
		if res != nil {
			type failure struct {
				ItemKey string `json:"item_key"`
				Error   string `json:"error"`
			}
			out := struct {
				Fetched  int       `json:"fetched"`
				Failed   []failure `json:"failed,omitempty"`
				AssetDir string    `json:"asset_dir"`
			}{Fetched: len(res.Assets), AssetDir: cfg.Enrich.AssetDir}
			for _, fe := range res.Errors {
				out.Failed = append(out.Failed, failure{ItemKey: fe.ItemKey, Error: fe.Error()})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(out)
		}
		return err
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchItems, "items", "", "catalog item list (.csv, .json or .xlsx)")
	_ = fetchCmd.MarkFlagRequired("items")
	rootCmd.AddCommand(fetchCmd)
}
