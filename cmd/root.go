package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docledger/docledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "docledger",
	Short: "Tamper-evident lineage ledger for document processing pipelines",
	Long:  "Records every document transformation (OCR, chunking, extraction, embedding) as a hash-chained provenance record, and verifies, repairs, and queries the resulting lineage trees.",
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
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
