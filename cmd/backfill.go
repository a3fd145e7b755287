package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/docledger/docledger/internal/ledger"
	"github.com/docledger/docledger/internal/resilience"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute chain hashes for pre-chaining records",
	Long:  "Fills in missing chain hashes in dependency order (parents before children). Idempotent: already-hashed records are never touched, so it is safe to re-run after a partial failure.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("backfill"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.MaxAttempts = cfg.Backfill.RetryAttempts
		retryCfg.InitialBackoff = time.Duration(cfg.Backfill.InitialBackoffMS) * time.Millisecond

		backfiller := ledger.NewBackfiller(st, retryCfg)

		res, err := backfiller.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "backfill")
		}

		fmt.Printf("Backfilled %d records (%d errors)\n", res.UpdatedCount, res.ErrorCount)
		if res.ErrorCount > 0 {
			return eris.Errorf("backfill: %d records failed; re-run to retry", res.ErrorCount)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backfillCmd)
}
