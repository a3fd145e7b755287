package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/docledger/docledger/internal/ledger"
	"github.com/docledger/docledger/internal/model"
)

var ancestorsCmd = &cobra.Command{
	Use:   "ancestors <record-id>",
	Short: "Walk a record's ancestor chain up to its root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		walker := ledger.NewWalker(st, cfg.Ledger.MaxWalkDepth)

		chain, err := walker.Ancestors(ctx, args[0])
		if err != nil {
			var ceiling *ledger.DepthCeilingError
			if errors.As(err, &ceiling) {
				fmt.Fprintf(os.Stderr, "Walk stopped at %d hops; showing partial chain.\n", ceiling.MaxDepth)
				chain = ceiling.Partial
			} else {
				return eris.Wrap(err, "ancestors")
			}
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(chain)
		}

		formatChain(os.Stdout, chain)
		return nil
	},
}

func init() {
	ancestorsCmd.Flags().Bool("json", false, "emit the chain as JSON")
	rootCmd.AddCommand(ancestorsCmd)
}

// formatChain writes the ancestor chain nearest-first, root last.
func formatChain(out io.Writer, chain []model.ProvenanceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DEPTH\tID\tTYPE\tPROCESSOR\tCONTENT_HASH\tCHAINED")
	for _, r := range chain {
		chained := "yes"
		if r.ChainHash == nil {
			chained = "no"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ChainDepth,
			truncateID(r.ID),
			r.Type,
			r.Processor,
			truncateID(r.ContentHash),
			chained,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of an id or hash for compact
// display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
