package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/docledger/docledger/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-processor aggregate statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		processor, _ := cmd.Flags().GetString("processor")
		since, _ := cmd.Flags().GetDuration("since")

		filter := store.StatsFilter{Processor: processor}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		stats, err := st.ProcessorStats(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		if len(stats) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		formatProcessorStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("processor", "", "filter by processor name")
	statsCmd.Flags().Duration("since", 0, "time window for stats (e.g. 24h, 168h)")
	statsCmd.Flags().Bool("json", false, "emit stats as JSON")
	rootCmd.AddCommand(statsCmd)
}

// formatProcessorStats writes one row per (processor, version) pair.
func formatProcessorStats(out io.Writer, stats []store.ProcessorStat) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROCESSOR\tVERSION\tRECORDS\tAVG_MS\tMIN_MS\tMAX_MS\tTOTAL_MS\tAVG_QUALITY")
	for _, s := range stats {
		quality := "-"
		if s.AvgQualityScore != nil {
			quality = fmt.Sprintf("%.2f", *s.AvgQualityScore)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%d\t%d\t%d\t%s\n",
			s.Processor,
			s.ProcessorVersion,
			s.RecordCount,
			s.AvgDurationMS,
			s.MinDurationMS,
			s.MaxDurationMS,
			s.TotalDurationMS,
			quality,
		)
	}
	_ = w.Flush()
}
