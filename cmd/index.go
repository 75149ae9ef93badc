package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/pattern-search/internal/index"
	"github.com/sells-group/pattern-search/internal/labellog"
)

var (
	indexLogPath string
	indexDryRun  bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the search collection from the label log",
	Long:  "Drops and recreates the search collection, then imports one document per item whose latest log record is a success.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if indexLogPath != "" {
			cfg.Enrich.LogPath = indexLogPath
		}

		records, err := labellog.ReadFile(cfg.Enrich.LogPath)
		if err != nil {
			return err
		}

		if indexDryRun {
			data, err := index.EncodeJSONL(index.Documents(records))
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		if err := cfg.Validate("index"); err != nil {
			return err
		}

		report, err := index.NewBuilder(initTypesense(), cfg.Typesense.Collection).Build(ctx, records)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexLogPath, "log", "", "label log path (default from config)")
	indexCmd.Flags().BoolVar(&indexDryRun, "dry-run", false, "print the documents as JSONL instead of importing")
	rootCmd.AddCommand(indexCmd)
}
