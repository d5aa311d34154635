/**
 * Maintenance Scheduler — component H (ambient/domain addition).
 *
 * Drives the two periodic jobs spec'd elsewhere (C.sweep(), §4.C; and
 * G's 15-minute aggregate summary, §4.G) off an asynq.Scheduler backed
 * by Redis, in addition to each component's own time.Ticker. Grounded in
 * the teacher's internal/queue/consumer.go asynq.Server/ServeMux wiring,
 * repurposed here for cron-triggered maintenance tasks instead of
 * document-processing jobs.
 *
 * Optional: cmd/extractctl only constructs this when a Redis URL is
 * configured. internal/tempfiles and internal/metrics run their own
 * built-in ticker loops either way; without a Redis URL this package is
 * unused.
 */
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/corvid-labs/extractcore/internal/logging"
	"github.com/corvid-labs/extractcore/internal/metrics"
	"github.com/corvid-labs/extractcore/internal/tempfiles"
)

const (
	taskSweepTempFiles   = "maintenance:sweep_temp_files"
	taskSummarizeMetrics = "maintenance:summarize_metrics"
	queueName            = "maintenance"
)

// Scheduler registers and runs the cron-triggered maintenance jobs.
type Scheduler struct {
	scheduler *asynq.Scheduler
	server    *asynq.Server
	mux       *asynq.ServeMux
	client    *asynq.Client
	log       *logging.Logger
}

// New builds a Scheduler against redisURL, wiring tempReg's sweep and
// metricsStore's periodic summary as asynq cron tasks. Both jobs also
// run on their own ticker inside tempReg/metricsStore regardless; this
// scheduler is an additional, Redis-backed trigger path, not a
// replacement — see DESIGN.md for why duplicate firing is harmless
// (both operations are idempotent).
func New(redisURL string, tempReg *tempfiles.Registry, metricsStore *metrics.Store) (*Scheduler, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance redis url: %w", err)
	}

	log := logging.NewLogger("maintenance")

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskSweepTempFiles, func(ctx context.Context, t *asynq.Task) error {
		tempReg.Sweep()
		return nil
	})
	mux.HandleFunc(taskSummarizeMetrics, func(ctx context.Context, t *asynq.Task) error {
		summary := metricsStore.Summarize()
		log.Info("scheduled metrics summary",
			"attempts", summary.Attempts,
			"successes", summary.Successes,
			"failures", summary.Failures,
			"successRate", summary.SuccessRate,
		)
		return nil
	})

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queueName: 1},
	})

	sched := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.Local,
	})

	if _, err := sched.Register("@every 5m", asynq.NewTask(taskSweepTempFiles, nil, asynq.Queue(queueName))); err != nil {
		return nil, fmt.Errorf("register sweep job: %w", err)
	}
	if _, err := sched.Register("@every 15m", asynq.NewTask(taskSummarizeMetrics, nil, asynq.Queue(queueName))); err != nil {
		return nil, fmt.Errorf("register summary job: %w", err)
	}

	return &Scheduler{
		scheduler: sched,
		server:    server,
		mux:       mux,
		client:    asynq.NewClient(redisOpt),
		log:       log,
	}, nil
}

// Start runs the scheduler and its task server in the background. Both
// halves log and return on failure rather than crashing the process —
// maintenance is best-effort, never load-bearing for extraction itself.
func (s *Scheduler) Start() {
	go func() {
		if err := s.scheduler.Run(); err != nil {
			s.log.Error("maintenance scheduler stopped", "error", err)
		}
	}()
	go func() {
		if err := s.server.Run(s.mux); err != nil {
			s.log.Error("maintenance task server stopped", "error", err)
		}
	}()
}

// Stop shuts the scheduler and server down and closes the asynq client.
func (s *Scheduler) Stop() {
	s.scheduler.Shutdown()
	s.server.Shutdown()
	s.client.Close()
}

// TriggerSweepNow enqueues an immediate, one-off temp-file sweep on the
// maintenance queue, independent of the "@every 5m" cron entry — an
// operator escape hatch for "clean up now" without waiting on the next
// scheduled tick. The client has its own connection to the same Redis
// instance the scheduler's cron registrations use.
func (s *Scheduler) TriggerSweepNow(ctx context.Context) error {
	_, err := s.client.EnqueueContext(ctx, asynq.NewTask(taskSweepTempFiles, nil), asynq.Queue(queueName))
	return err
}

// TriggerSummaryNow enqueues an immediate, one-off metrics summary,
// independent of the "@every 15m" cron entry.
func (s *Scheduler) TriggerSummaryNow(ctx context.Context) error {
	_, err := s.client.EnqueueContext(ctx, asynq.NewTask(taskSummarizeMetrics, nil), asynq.Queue(queueName))
	return err
}
