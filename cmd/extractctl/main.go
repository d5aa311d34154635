/**
 * extractctl - operator/integration-test CLI for the document extraction
 * core.
 *
 * Wires components A-G (plus the optional maintenance scheduler) the
 * same way a real task runner would, then drives one extraction against
 * a local file and prints the resulting ExtractionResult as JSON. There
 * is no HTTP server, no task store, and no routing here — that surface
 * is this repository's explicit non-goal.
 */
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/corvid-labs/extractcore/internal/config"
	"github.com/corvid-labs/extractcore/internal/convert"
	"github.com/corvid-labs/extractcore/internal/depprobe"
	"github.com/corvid-labs/extractcore/internal/logging"
	"github.com/corvid-labs/extractcore/internal/maintenance"
	"github.com/corvid-labs/extractcore/internal/metrics"
	"github.com/corvid-labs/extractcore/internal/model"
	"github.com/corvid-labs/extractcore/internal/ocrpool"
	"github.com/corvid-labs/extractcore/internal/orchestrator"
	"github.com/corvid-labs/extractcore/internal/tempfiles"
)

var (
	flagLanguage string
	flagMaxPages int
	flagTaskID   string
)

func main() {
	if err := godotenv.Load(); err != nil {
		// A missing .env is normal outside of local development.
	}

	root := &cobra.Command{
		Use:   "extractctl",
		Short: "Drive the document extraction core against a local file",
	}

	runCmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Extract text and metadata from a staged PDF or image file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExtract,
	}
	runCmd.Flags().StringVar(&flagLanguage, "language", "eng", "OCR language code (eng, fra, or eng+fra)")
	runCmd.Flags().IntVar(&flagMaxPages, "max-pages", 0, "override config.MaxPages for this run (0 = use configured default)")
	runCmd.Flags().StringVar(&flagTaskID, "task-id", "", "task id to attach to this run (random if empty)")

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Report whether PDF rasterization dependencies are available",
		RunE:  runProbe,
	}

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Trigger an on-demand maintenance job against the Redis-backed scheduler",
	}
	maintainCmd.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Enqueue an immediate temp-file sweep, ahead of its 5-minute cron entry",
			RunE:  runMaintainSweep,
		},
		&cobra.Command{
			Use:   "summary",
			Short: "Enqueue an immediate metrics summary, ahead of its 15-minute cron entry",
			RunE:  runMaintainSummary,
		},
	)

	root.AddCommand(runCmd, probeCmd, maintainCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	probe := depprobe.New(depprobe.Options{})
	report := probe.Probe(cmd.Context())
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runMaintainSweep(cmd *cobra.Command, args []string) error {
	return withMaintenanceScheduler(cmd, func(sched *maintenance.Scheduler) error {
		return sched.TriggerSweepNow(cmd.Context())
	})
}

func runMaintainSummary(cmd *cobra.Command, args []string) error {
	return withMaintenanceScheduler(cmd, func(sched *maintenance.Scheduler) error {
		return sched.TriggerSummaryNow(cmd.Context())
	})
}

// withMaintenanceScheduler wires just enough of the stack (C and G) to
// construct a Scheduler and fire a single on-demand job against it,
// without starting the full extraction pipeline.
func withMaintenanceScheduler(cmd *cobra.Command, fn func(*maintenance.Scheduler) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.MaintenanceRedisURL == "" {
		return fmt.Errorf("MAINTENANCE_REDIS_URL is not configured")
	}

	tempReg := tempfiles.New(tempfiles.Config{
		Root:         cfg.TempFiles.Root,
		MaxAge:       cfg.TempFiles.MaxAge,
		MaxCount:     cfg.TempFiles.MaxCount,
		MaxSizeBytes: cfg.TempFiles.MaxSizeBytes,
	})
	defer tempReg.Close()

	metricsStore, err := metrics.New(metrics.Config{PostgresDSN: cfg.MetricsPostgresDSN})
	if err != nil {
		return fmt.Errorf("initialize metrics store: %w", err)
	}
	defer metricsStore.Close()

	sched, err := maintenance.New(cfg.MaintenanceRedisURL, tempReg, metricsStore)
	if err != nil {
		return fmt.Errorf("initialize maintenance scheduler: %w", err)
	}
	defer sched.Stop()

	return fn(sched)
}

func runExtract(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("cannot read input file: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := logging.NewLogger("extractctl")

	probe := depprobe.New(depprobe.Options{})
	if cfg.DependencyCheckOnStartup {
		report := probe.Probe(context.Background())
		if !report.IsConversionSupported() {
			log.Warn("startup dependency check failed", "missing", report.Missing())
		}
	}

	tempReg := tempfiles.New(tempfiles.Config{
		Root:         cfg.TempFiles.Root,
		MaxAge:       cfg.TempFiles.MaxAge,
		MaxCount:     cfg.TempFiles.MaxCount,
		MaxSizeBytes: cfg.TempFiles.MaxSizeBytes,
	})
	defer tempReg.Close()

	poolSize := cfg.OCRPool.Size
	if poolSize <= 0 {
		poolSize = min(runtime.NumCPU(), 4)
	}
	pool, err := ocrpool.New(poolSize, cfg.OCRPool.Languages, cfg.TempFiles.Root, ocrpool.NewTesseractEngine)
	if err != nil {
		return fmt.Errorf("initialize OCR pool: %w", err)
	}
	defer pool.Close()

	gate := convert.New(cfg.Conversion.MaxConcurrent, convert.NewFitzRasterizer())

	metricsStore, err := metrics.New(metrics.Config{PostgresDSN: cfg.MetricsPostgresDSN})
	if err != nil {
		return fmt.Errorf("initialize metrics store: %w", err)
	}
	defer metricsStore.Close()

	if cfg.MaintenanceRedisURL != "" {
		sched, err := maintenance.New(cfg.MaintenanceRedisURL, tempReg, metricsStore)
		if err != nil {
			return fmt.Errorf("initialize maintenance scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	orch := orchestrator.New(cfg, probe, tempReg, pool, gate, metricsStore)

	taskID := flagTaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	opts := model.Options{Language: flagLanguage}
	if flagMaxPages > 0 {
		opts.MaxPages = &flagMaxPages
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
	defer cancel()

	start := time.Now()
	result, err := orch.Extract(ctx, taskID, filePath, opts)
	if err != nil {
		return fmt.Errorf("extraction failed after %v: %w", time.Since(start), err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
