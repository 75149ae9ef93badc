package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pattern-search",
	Short: "Visual label search over a knitting and crochet pattern catalog",
	Long:  "Labels catalog images with a vision model, indexes the labels in a keyword search engine, and answers term and image queries joined with catalog metadata.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
