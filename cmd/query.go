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

	"github.com/docledger/docledger/internal/model"
	"github.com/docledger/docledger/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query provenance records",
	Long:  "Filters the ledger by processor, type, depth, lineage, time window, quality, and duration, with paging and sorting.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := recordFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		recs, err := st.QueryRecords(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "query")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}

		formatRecordsList(os.Stdout, recs)

		total, err := st.CountRecords(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "query count")
		}
		if total > len(recs) {
			fmt.Fprintf(os.Stderr, "Showing %d of %d records.\n", len(recs), total)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("processor", "", "filter by processor name")
	queryCmd.Flags().String("type", "", "filter by record type (DOCUMENT, OCR_RESULT, CHUNK, ...)")
	queryCmd.Flags().Int("depth", -1, "filter by chain depth")
	queryCmd.Flags().String("root", "", "filter by root lineage id")
	queryCmd.Flags().Duration("since", 0, "only records created within this window (e.g. 24h)")
	queryCmd.Flags().Float64("min-quality", -1, "minimum quality score")
	queryCmd.Flags().Int64("min-duration-ms", -1, "minimum processing duration in milliseconds")
	queryCmd.Flags().String("sort", store.SortCreatedAt, "sort column (created_at, processing_duration_ms, quality_score)")
	queryCmd.Flags().Bool("desc", false, "sort descending")
	queryCmd.Flags().Int("limit", 50, "max records to display")
	queryCmd.Flags().Int("offset", 0, "records to skip")
	queryCmd.Flags().Bool("json", false, "emit records as JSON")
	rootCmd.AddCommand(queryCmd)
}

// recordFilterFromFlags builds a store filter from the query command flags.
func recordFilterFromFlags(cmd *cobra.Command) (store.RecordFilter, error) {
	processor, _ := cmd.Flags().GetString("processor")
	typeStr, _ := cmd.Flags().GetString("type")
	depth, _ := cmd.Flags().GetInt("depth")
	root, _ := cmd.Flags().GetString("root")
	since, _ := cmd.Flags().GetDuration("since")
	minQuality, _ := cmd.Flags().GetFloat64("min-quality")
	minDuration, _ := cmd.Flags().GetInt64("min-duration-ms")
	sortBy, _ := cmd.Flags().GetString("sort")
	desc, _ := cmd.Flags().GetBool("desc")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := store.RecordFilter{
		Processor:     processor,
		RootLineageID: root,
		SortBy:        sortBy,
		SortDesc:      desc,
		Limit:         limit,
		Offset:        offset,
	}

	if typeStr != "" {
		t := model.RecordType(typeStr)
		if !validRecordType(t) {
			return store.RecordFilter{}, eris.Errorf("query: unknown record type %q", typeStr)
		}
		filter.Type = t
	}
	if depth >= 0 {
		filter.ChainDepth = &depth
	}
	if since > 0 {
		filter.CreatedAfter = time.Now().Add(-since)
	}
	if minQuality >= 0 {
		filter.MinQualityScore = &minQuality
	}
	if minDuration >= 0 {
		filter.MinDurationMS = &minDuration
	}
	return filter, nil
}

func validRecordType(t model.RecordType) bool {
	for _, known := range model.AllRecordTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// formatRecordsList writes a tabular list of records to w.
func formatRecordsList(out io.Writer, recs []model.ProvenanceRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tDEPTH\tPROCESSOR\tQUALITY\tDURATION_MS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t---------\t-------\t-----------\t-------")

	for _, r := range recs {
		quality := "-"
		if r.QualityScore != nil {
			quality = fmt.Sprintf("%.2f", *r.QualityScore)
		}

		proc := r.Processor
		if r.ProcessorVersion != "" {
			proc = proc + "@" + r.ProcessorVersion
		}
		if len(proc) > 30 {
			proc = proc[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			truncateID(r.ID),
			r.Type,
			r.ChainDepth,
			proc,
			quality,
			r.ProcessingDurationMS,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
