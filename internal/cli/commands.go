package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pdf-ingest/internal/models"
	"pdf-ingest/internal/store"
)

var (
	scanDryRun   bool
	pendingLimit int
	stuckOlder   time.Duration
	listStatus   string
	listLimit    int
	dlqCount     int64
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Register orphan PDFs found in the upload area",
	Long: `Scan lists the upload area and creates an UPLOADED document for every
PDF that has no document yet. It never submits ingestion tasks; run
submit-pending afterwards for that.

Examples:
  docctl scan --dry-run
  docctl scan`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rep, err := reconciler.ScanOnce(cmd.Context(), scanDryRun)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		return printJSON(cmd, rep)
	},
}

var submitPendingCmd = &cobra.Command{
	Use:   "submit-pending",
	Short: "Submit ingest tasks for documents that were never queued",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := dispatcher.SubmitPending(cmd.Context(), pendingLimit)
		if err != nil {
			return fmt.Errorf("submitted %d before failing: %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %d document(s)\n", n)
		return nil
	},
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List documents processing for longer than a threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		older := stuckOlder
		if older <= 0 {
			older = cfg.StuckAfter
		}
		docs, err := dispatcher.Stuck(cmd.Context(), older)
		if err != nil {
			return err
		}
		return printJSON(cmd, docs)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := store.ListFilter{Limit: listLimit}
		if listStatus != "" {
			st, err := models.ParseStatus(strings.ToUpper(listStatus))
			if err != nil {
				return err
			}
			f.Status = &st
		}
		docs, err := dispatcher.List(cmd.Context(), f)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, d := range docs {
			fmt.Fprintf(w, "%s  %-10s  %8d  %s\n", d.ID, d.Status, d.Size, d.OriginalName)
		}
		if len(docs) == 0 {
			fmt.Fprintln(w, "no documents")
		}
		return nil
	},
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <document-id>",
	Short: "Queue a new ingest task for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := dispatcher.Resubmit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, doc)
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Show dead-lettered ingest tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tasks, err := taskQueue.DLQPeek(cmd.Context(), dlqCount)
		if err != nil {
			return fmt.Errorf("read dlq: %w", err)
		}
		return printJSON(cmd, tasks)
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "report what would be created without writing")
	submitPendingCmd.Flags().IntVarP(&pendingLimit, "limit", "n", 0, "max documents to submit (0 for all)")
	stuckCmd.Flags().DurationVar(&stuckOlder, "older-than", 0, "processing age threshold (default STUCK_AFTER)")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "max results")
	dlqCmd.Flags().Int64VarP(&dlqCount, "count", "n", 20, "max tasks to show")
}
