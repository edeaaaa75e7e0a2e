package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/policyreviewer/pipeline/internal/audit"
	"github.com/policyreviewer/pipeline/internal/common"
	"github.com/policyreviewer/pipeline/internal/engine"
	"github.com/policyreviewer/pipeline/internal/entity"
	"github.com/policyreviewer/pipeline/internal/export"
	"github.com/policyreviewer/pipeline/internal/ingest"
	"github.com/policyreviewer/pipeline/internal/ledger"
	"github.com/policyreviewer/pipeline/internal/pipeline"
	"github.com/policyreviewer/pipeline/internal/review"
	"github.com/policyreviewer/pipeline/internal/storage"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	configPath string
	jsonOutput bool
	verbose    bool
)

// app wires the store and config shared by every command. Commands build
// the heavier pieces (pipeline, ledger) only when they need them.
type app struct {
	cfg    *common.Config
	logger *slog.Logger
	store  *storage.FSStore
	ledger *ledger.SQLLedger
}

func newApp() (*app, error) {
	cfg := common.LoadConfig()
	if configPath != "" {
		var err error
		cfg, err = common.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.Storage.Root == "" {
		return nil, fmt.Errorf("STORAGE_ROOT is required")
	}
	store, err := storage.NewFSStore(cfg.Storage.Root, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func (a *app) Close() {
	if a.ledger != nil {
		a.ledger.Close()
	}
}

func (a *app) buildPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	if a.cfg.Engine.BaseURL == "" {
		return nil, fmt.Errorf("ENGINE_URL is required")
	}
	var led ledger.Ledger
	if a.cfg.Ledger.DSN != "" {
		l, err := ledger.Open(ctx, a.cfg.Ledger.DSN, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open job ledger: %w", err)
		}
		a.ledger = l
		led = l
	}
	rec := audit.NewWriter(a.store, a.cfg.Storage.AuditPrefix, a.logger)
	eng := engine.NewHTTPEngine(a.cfg.Engine, a.logger)
	return pipeline.New(eng, a.store, rec, led, a.cfg, a.logger), nil
}

func (a *app) reviewer() *review.Review {
	return review.NewReview(a.store, a.cfg.Storage.OutputPrefix, a.logger)
}

func (a *app) exporter() *export.Service {
	rec := audit.NewWriter(a.store, a.cfg.Storage.AuditPrefix, a.logger)
	return export.NewService(a.reviewer(), rec, a.logger)
}

func (a *app) openLedger(ctx context.Context) (*ledger.SQLLedger, error) {
	if a.cfg.Ledger.DSN == "" {
		return nil, fmt.Errorf("LEDGER_DSN is required for this command")
	}
	if a.ledger == nil {
		l, err := ledger.Open(ctx, a.cfg.Ledger.DSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.ledger = l
	}
	return a.ledger, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipectl",
		Short: "Drive the document analysis pipeline by hand",
		Long: `Pipectl works against the same store the daemon uses: submit
documents for analysis, replay completion notifications, review
persisted results, and export XLSX reports.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (env vars override)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("pipectl %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// ingest command
	ingestCmd := &cobra.Command{
		Use:   "ingest [source-key]",
		Short: "Submit documents for analysis",
		Long: `Ingest submits a single document or every allowed document under a
directory (--dir) to the analysis engine. The argument is a source key
of an object already under the store root, or a plain file path;
either way the key relative to the root identifies the document.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dir, _ := cmd.Flags().GetString("dir")
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			if (target == "") == (dir == "") {
				fail("provide a source key or --dir, not both")
			}

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			pipe, err := a.buildPipeline(ctx)
			if err != nil {
				fail("%v", err)
			}

			if target != "" {
				path := target
				if _, err := os.Stat(path); err != nil {
					path = filepath.Join(a.store.Root(), filepath.FromSlash(target))
				}
				ev, err := ingest.EventForPath(a.store.Root(), path)
				if err != nil {
					fail("ingest %s: %v", target, err)
				}
				job, err := pipe.HandleIngest(ctx, ev)
				if err != nil {
					fail("ingest %s: %v", ev.SourceKey, err)
				}
				if jsonOutput {
					printJSON(job)
				} else {
					fmt.Printf("submitted %s\n", job.SourceKey)
					fmt.Printf("- Job: %s\n", job.ID)
					fmt.Printf("- Mode: %s\n", job.Mode)
					fmt.Printf("- Status: %s\n", job.Status)
				}
				return
			}

			results, stats, err := ingest.ScanDirectory(ctx, a.store.Root(), dir, nil, true,
				func(ctx context.Context, ev entity.IngestEvent) (entity.AnalysisJob, error) {
					return pipe.HandleIngest(ctx, ev)
				})
			if err != nil {
				fail("scan %s: %v", dir, err)
			}

			if jsonOutput {
				printJSON(struct {
					Stats   ingest.ScanStats    `json:"stats"`
					Results []ingest.ScanResult `json:"results"`
				}{stats, results})
				return
			}
			for _, r := range results {
				if r.Err != "" {
					fmt.Printf("failed    %s: %s\n", r.SourceKey, r.Err)
					continue
				}
				fmt.Printf("submitted %s (job %s)\n", r.SourceKey, r.JobID)
			}
			fmt.Printf("Scan complete!\n")
			fmt.Printf("- Scanned: %d\n", stats.Scanned)
			fmt.Printf("- Matched: %d\n", stats.Matched)
			fmt.Printf("- Submitted: %d\n", stats.Submitted)
			fmt.Printf("- Failed: %d\n", stats.Failed)
		},
	}
	ingestCmd.Flags().String("dir", "", "directory to scan (recursive, hidden entries skipped)")
	rootCmd.AddCommand(ingestCmd)

	// complete command
	completeCmd := &cobra.Command{
		Use:   "complete",
		Short: "Replay a completion notification",
		Long: `Complete reads an engine completion notification (JSON) from --file
or stdin and runs the completion flow against the local store.
Replaying an already persisted completion is a no-op.`,
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")

			var raw []byte
			var err error
			if file == "" || file == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				fail("read notification: %v", err)
			}

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			pipe, err := a.buildPipeline(ctx)
			if err != nil {
				fail("%v", err)
			}
			res, err := pipe.HandleCompletion(ctx, raw)
			if err != nil {
				fail("complete: %v", err)
			}

			if jsonOutput {
				printJSON(res)
				return
			}
			switch {
			case res.NoOp:
				fmt.Printf("ignored notification for job %s (status %s)\n", res.JobID, res.Status)
			case res.AlreadyPersisted:
				fmt.Printf("job %s already persisted (%d pages)\n", res.JobID, res.Manifest.PageCount)
			case res.Manifest != nil:
				fmt.Printf("job %s %s: %d pages persisted\n", res.JobID, res.Status, res.Manifest.PageCount)
			default:
				fmt.Printf("job %s %s\n", res.JobID, res.Status)
			}
		},
	}
	completeCmd.Flags().StringP("file", "f", "", "notification file (defaults to stdin)")
	rootCmd.AddCommand(completeCmd)

	// review command
	reviewCmd := &cobra.Command{
		Use:   "review <source-key>",
		Short: "Show the latest analysis results for a document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			rev := a.reviewer()
			manifestKey, m, err := rev.FindManifest(ctx, args[0])
			if err != nil {
				fail("review %s: %v", args[0], err)
			}
			blocks, err := rev.LoadBlocks(ctx, m)
			if err != nil {
				fail("load pages for job %s: %v", m.JobID, err)
			}

			text := review.Lines(blocks)
			pairs := review.KeyValuePairs(blocks)
			tables := review.Tables(blocks)

			if tablesOut, _ := cmd.Flags().GetString("tables-out"); tablesOut != "" {
				b, err := a.exporter().TablesXLSX(m, tables)
				if err != nil {
					fail("export tables: %v", err)
				}
				if err := os.WriteFile(tablesOut, b, 0644); err != nil {
					fail("write %s: %v", tablesOut, err)
				}
				fmt.Printf("wrote %d tables to %s\n", len(tables), tablesOut)
				return
			}

			if jsonOutput {
				printJSON(struct {
					ManifestKey string            `json:"manifest_key"`
					Manifest    *entity.Manifest  `json:"manifest"`
					Text        string            `json:"text"`
					KeyValues   []review.KeyValue `json:"key_values,omitempty"`
					Tables      []review.Table    `json:"tables,omitempty"`
				}{manifestKey, m, text, pairs, tables})
				return
			}

			fmt.Printf("Job %s (%s, %d pages, %s)\n", m.JobID, m.Status, m.PageCount, m.CreatedUTC)
			fmt.Printf("Manifest: %s\n", manifestKey)
			fmt.Printf("\n== Text ==\n%s\n", text)
			if len(pairs) > 0 {
				fmt.Printf("\n== Key values ==\n")
				for _, kv := range pairs {
					fmt.Printf("%s: %s\n", kv.Key, kv.Value)
				}
			}
			for i, tbl := range tables {
				fmt.Printf("\n== Table %d ==\n", i+1)
				if tbl.Headers != nil {
					fmt.Println(strings.Join(tbl.Headers, " | "))
				}
				for _, row := range tbl.Rows {
					fmt.Println(strings.Join(row, " | "))
				}
			}
		},
	}
	reviewCmd.Flags().String("tables-out", "", "write extracted tables to an XLSX file instead of printing")
	rootCmd.AddCommand(reviewCmd)

	// export command
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export results and reports to XLSX",
	}

	exportResultsCmd := &cobra.Command{
		Use:   "results <source-key>",
		Short: "Export a document's analysis results to XLSX",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				out = base + "-results.xlsx"
			}

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			b, err := a.exporter().ResultsXLSX(cmd.Context(), args[0])
			if err != nil {
				fail("export results: %v", err)
			}
			if err := os.WriteFile(out, b, 0644); err != nil {
				fail("write %s: %v", out, err)
			}
			fmt.Printf("Export complete!\n")
			fmt.Printf("- Source: %s\n", args[0])
			fmt.Printf("- Output: %s\n", out)
		},
	}
	exportResultsCmd.Flags().StringP("out", "o", "", "output XLSX path (defaults to <document>-results.xlsx)")
	exportCmd.AddCommand(exportResultsCmd)

	exportTablesCmd := &cobra.Command{
		Use:   "tables <source-key>",
		Short: "Export a document's extracted tables to XLSX or CSV",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, _ := cmd.Flags().GetString("out")
			csvDir, _ := cmd.Flags().GetString("csv-dir")

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			rev := a.reviewer()
			_, m, err := rev.FindManifest(ctx, args[0])
			if err != nil {
				fail("export tables %s: %v", args[0], err)
			}
			blocks, err := rev.LoadBlocks(ctx, m)
			if err != nil {
				fail("load pages for job %s: %v", m.JobID, err)
			}
			tables := review.Tables(blocks)
			if len(tables) == 0 {
				fail("no tables found for %s", args[0])
			}

			if csvDir != "" {
				if err := os.MkdirAll(csvDir, 0755); err != nil {
					fail("create %s: %v", csvDir, err)
				}
				for i, tbl := range tables {
					path := filepath.Join(csvDir, fmt.Sprintf("table_%02d.csv", i+1))
					f, err := os.Create(path)
					if err != nil {
						fail("write %s: %v", path, err)
					}
					if err := export.WriteTableCSV(f, tbl); err != nil {
						f.Close()
						fail("write %s: %v", path, err)
					}
					if err := f.Close(); err != nil {
						fail("write %s: %v", path, err)
					}
				}
				fmt.Printf("Export complete!\n")
				fmt.Printf("- Source: %s\n", args[0])
				fmt.Printf("- Tables: %d\n", len(tables))
				fmt.Printf("- Output: %s\n", csvDir)
				return
			}

			if out == "" {
				base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
				out = base + "-tables.xlsx"
			}
			b, err := a.exporter().TablesXLSX(m, tables)
			if err != nil {
				fail("export tables: %v", err)
			}
			if err := os.WriteFile(out, b, 0644); err != nil {
				fail("write %s: %v", out, err)
			}
			fmt.Printf("Export complete!\n")
			fmt.Printf("- Source: %s\n", args[0])
			fmt.Printf("- Tables: %d\n", len(tables))
			fmt.Printf("- Output: %s\n", out)
		},
	}
	exportTablesCmd.Flags().StringP("out", "o", "", "output XLSX path (defaults to <document>-tables.xlsx)")
	exportTablesCmd.Flags().String("csv-dir", "", "write one CSV per table into a directory instead of XLSX")
	exportCmd.AddCommand(exportTablesCmd)

	exportAuditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Export the audit trail for a date range to XLSX",
		Run: func(cmd *cobra.Command, args []string) {
			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			out, _ := cmd.Flags().GetString("out")

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -7)
			var err error
			if fromStr != "" {
				from, err = time.Parse("2006-01-02", fromStr)
				if err != nil {
					fail("invalid --from date, use YYYY-MM-DD: %v", err)
				}
			}
			if toStr != "" {
				to, err = time.Parse("2006-01-02", toStr)
				if err != nil {
					fail("invalid --to date, use YYYY-MM-DD: %v", err)
				}
			}

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			b, err := a.exporter().AuditReportXLSX(cmd.Context(), from, to)
			if err != nil {
				fail("export audit: %v", err)
			}
			if err := os.WriteFile(out, b, 0644); err != nil {
				fail("write %s: %v", out, err)
			}
			fmt.Printf("Export complete!\n")
			fmt.Printf("- Range: %s..%s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
			fmt.Printf("- Output: %s\n", out)
		},
	}
	exportAuditCmd.Flags().String("from", "", "start date YYYY-MM-DD (default: 7 days ago)")
	exportAuditCmd.Flags().String("to", "", "end date YYYY-MM-DD, inclusive (default: today)")
	exportAuditCmd.Flags().StringP("out", "o", "audit.xlsx", "output XLSX path")
	exportCmd.AddCommand(exportAuditCmd)
	rootCmd.AddCommand(exportCmd)

	// jobs command
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs from the ledger",
		Run: func(cmd *cobra.Command, args []string) {
			key, _ := cmd.Flags().GetString("source")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := newApp()
			if err != nil {
				fail("%v", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			led, err := a.openLedger(ctx)
			if err != nil {
				fail("%v", err)
			}
			jobs, err := led.List(ctx, key, limit)
			if err != nil {
				fail("list jobs: %v", err)
			}

			if jsonOutput {
				printJSON(jobs)
				return
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs recorded")
				return
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-9s  %s  job=%s",
					j.SubmittedAt.UTC().Format("2006-01-02 15:04:05"), j.Status, j.SourceKey, j.ID)
				if j.CompletedAt != nil {
					line += "  completed=" + j.CompletedAt.UTC().Format("2006-01-02 15:04:05")
				}
				fmt.Println(line)
			}
		},
	}
	jobsCmd.Flags().String("source", "", "filter by source key")
	jobsCmd.Flags().Int("limit", 20, "maximum rows")
	rootCmd.AddCommand(jobsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
