package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ereezyy/synai-sync/internal/queue"
	"github.com/ereezyy/synai-sync/internal/scheduler"
	"github.com/ereezyy/synai-sync/internal/store"
	"github.com/ereezyy/synai-sync/internal/syncop"
	"github.com/spf13/cobra"
)

// withQueue opens the store for the duration of fn
func withQueue(ctx context.Context, fn func(*app) error) error {
	a, err := newQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// redactDSN hides credentials in a store DSN before it is logged
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

var (
	flushBatchSize int
	flushPass      bool
)

var flushCmd = &cobra.Command{
	Use:     "flush",
	GroupID: "run",
	Short:   "Deliver pending operations now",
	Long: `Claim and deliver one batch of eligible operations, or keep going
until the queue is drained with --all. Runs regardless of connectivity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if flushPass {
			report, err := a.scheduler.RunPass(cmd.Context(), scheduler.ReasonFlush)
			if err != nil {
				return err
			}
			fmt.Printf("Batches: %d  Reclaimed: %d\n", report.Batches, report.Reclaimed)
			printSummary(report.Summary.Synced, report.Summary.Retrying, report.Summary.Rejected, report.Summary.Exhausted, report.Summary.Released)
			return nil
		}

		size := flushBatchSize
		if size <= 0 {
			size = cfg.Queue.BatchSize
		}
		report, err := a.scheduler.RunNextBatch(cmd.Context(), size)
		if err != nil {
			return err
		}
		fmt.Printf("Claimed: %d\n", report.Claimed)
		printSummary(report.Summary.Synced, report.Summary.Retrying, report.Summary.Rejected, report.Summary.Exhausted, report.Summary.Released)
		for _, o := range report.Outcomes {
			line := fmt.Sprintf("  %s  %-8s %s", o.Operation.ID, o.Operation.Status, o.Operation.Key())
			if o.Result.Message != "" {
				line += "  (" + o.Result.Message + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func printSummary(synced, retrying, rejected, exhausted, released int) {
	fmt.Printf("Synced: %d  Retrying: %d  Rejected: %d  Exhausted: %d  Released: %d\n",
		synced, retrying, rejected, exhausted, released)
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "admin",
	Short:   "Show operation counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(a *app) error {
			counts, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			total := 0
			for _, st := range syncop.AllStatuses {
				fmt.Printf("%-10s %d\n", st, counts[st])
				total += counts[st]
			}
			fmt.Printf("%-10s %d\n", "TOTAL", total)
			return nil
		})
	},
}

var (
	listStatus        string
	listEntityType    string
	listOperationType string
	listLimit         int
	listJSON          bool
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "admin",
	Short:   "List operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := store.Query{EntityType: listEntityType, Limit: listLimit}
		if listStatus != "" {
			for _, part := range strings.Split(listStatus, ",") {
				st, err := syncop.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
				if err != nil {
					return err
				}
				q.Statuses = append(q.Statuses, st)
			}
		}
		if listOperationType != "" {
			t, err := syncop.ParseOperationType(strings.ToUpper(listOperationType))
			if err != nil {
				return err
			}
			q.OperationType = t
		}

		return withQueue(cmd.Context(), func(a *app) error {
			ops, err := a.queue.ListPage(cmd.Context(), q)
			if err != nil {
				return err
			}
			if listJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(ops)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tENTITY\tPRIO\tRETRIES\tCREATED\tLAST ERROR")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					op.ID, op.Status, op.Type, op.Key(), op.Priority, op.RetryCount,
					op.CreatedAt.Local().Format(time.DateTime), op.LastError)
			}
			return tw.Flush()
		})
	},
}

var purgeStatus string

var purgeCmd = &cobra.Command{
	Use:     "purge [id...]",
	GroupID: "admin",
	Short:   "Delete terminal operations",
	Long: `Delete terminal operations, either by id or every operation with --status
(SYNCED, ABANDONED or FAILED). Live operations are never deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeStatus == "" && len(args) == 0 {
			return fmt.Errorf("either --status or at least one id is required")
		}
		return withQueue(cmd.Context(), func(a *app) error {
			for _, id := range args {
				if err := a.queue.Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", id)
			}
			if purgeStatus == "" {
				return nil
			}
			st, err := syncop.ParseStatus(strings.ToUpper(purgeStatus))
			if err != nil {
				return err
			}
			n, err := a.queue.ClearByStatus(cmd.Context(), st)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d %s operations\n", n, st)
			return nil
		})
	},
}

var reclaimOlderThan time.Duration

var reclaimCmd = &cobra.Command{
	Use:     "reclaim",
	GroupID: "admin",
	Short:   "Return IN_FLIGHT operations to PENDING",
	Long: `Return claimed operations to PENDING without counting an attempt.
Only run this while no serve process owns the store, or pass --older-than
to limit it to stale claims.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(a *app) error {
			n, err := a.queue.Reclaim(cmd.Context(), reclaimOlderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Reclaimed %d operations\n", n)
			return nil
		})
	},
}

var (
	enqEntityType string
	enqEntityID   string
	enqType       string
	enqPayload    string
	enqPriority   int
	enqMeta       map[string]string
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "admin",
	Short:   "Record a mutation for delivery",
	Example: `  syncqueue enqueue --entity-type note --entity-id n1 --type UPDATE --payload '{"title":"x"}'
  syncqueue enqueue --entity-type note --entity-id n1 --type DELETE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if enqPayload != "" {
			if !json.Valid([]byte(enqPayload)) {
				return fmt.Errorf("%w: payload is not valid JSON", syncop.ErrValidation)
			}
			payload = []byte(enqPayload)
		}
		return withQueue(cmd.Context(), func(a *app) error {
			op, err := a.queue.Enqueue(cmd.Context(), queue.EnqueueRequest{
				EntityType: enqEntityType,
				EntityID:   enqEntityID,
				Type:       syncop.OperationType(strings.ToUpper(enqType)),
				Payload:    payload,
				Priority:   enqPriority,
				Metadata:   enqMeta,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s (%s)\n", op.ID, op.Type, op.Key(), op.Status)
			return nil
		})
	},
}

var requeueAll bool

var requeueCmd = &cobra.Command{
	Use:     "requeue [id...]",
	GroupID: "admin",
	Short:   "Give permanently failed operations another attempt budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !requeueAll && len(args) == 0 {
			return fmt.Errorf("either --all or at least one id is required")
		}
		return withQueue(cmd.Context(), func(a *app) error {
			if requeueAll {
				n, err := a.queue.RequeueFailed(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Requeued %d operations\n", n)
				return nil
			}
			for _, id := range args {
				op, err := a.queue.Requeue(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", op.ID, op.Status)
			}
			return nil
		})
	},
}

func init() {
	flushCmd.Flags().IntVar(&flushBatchSize, "batch-size", 0, "Maximum operations to claim (default from config)")
	flushCmd.Flags().BoolVar(&flushPass, "all", false, "Keep flushing until the queue is drained")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Comma separated statuses")
	listCmd.Flags().StringVar(&listEntityType, "entity-type", "", "Only this entity type")
	listCmd.Flags().StringVar(&listOperationType, "operation-type", "", "CREATE, UPDATE or DELETE")
	listCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum rows (0 for all)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output JSON")

	purgeCmd.Flags().StringVar(&purgeStatus, "status", "", "Delete every terminal operation with this status")

	reclaimCmd.Flags().DurationVar(&reclaimOlderThan, "older-than", 0, "Only reclaim claims older than this")

	enqueueCmd.Flags().StringVar(&enqEntityType, "entity-type", "", "Entity type (required)")
	enqueueCmd.Flags().StringVar(&enqEntityID, "entity-id", "", "Entity id (required)")
	enqueueCmd.Flags().StringVar(&enqType, "type", "", "CREATE, UPDATE or DELETE (required)")
	enqueueCmd.Flags().StringVar(&enqPayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().IntVar(&enqPriority, "priority", 0, "Higher is delivered first")
	enqueueCmd.Flags().StringToStringVar(&enqMeta, "meta", nil, "Metadata key=value pairs")
	_ = enqueueCmd.MarkFlagRequired("entity-type")
	_ = enqueueCmd.MarkFlagRequired("entity-id")
	_ = enqueueCmd.MarkFlagRequired("type")

	requeueCmd.Flags().BoolVar(&requeueAll, "all", false, "Requeue every permanently failed operation")

	rootCmd.AddCommand(flushCmd, statsCmd, listCmd, purgeCmd, reclaimCmd, enqueueCmd, requeueCmd)
}
