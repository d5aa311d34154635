/**
 * Metrics / Session Log — component G.
 *
 * Tracks one SessionRecord per extraction in a bounded ring buffer plus
 * lock-free running aggregates, and optionally snapshots aggregates to
 * PostgreSQL on the same connection-pool shape the teacher used for job
 * persistence (internal/storage/postgres.go).
 */
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/corvid-labs/extractcore/internal/logging"
)

// Stage names recorded against a SessionRecord (§4.F observability).
const (
	StageClassify       = "classify"
	StageDependencyCheck = "dependencyCheck"
	StageConvert        = "convert"
	StageOCR            = "ocr"
	StageCleanup        = "cleanup"
)

// SessionRecord is §3's SessionRecord. Immutable once Complete is called.
type SessionRecord struct {
	SessionID   string
	PDFPath     string
	StartedAt   time.Time
	Stages      map[string]StageTiming
	Decision    string
	TempFiles   TempFileCounts
	ErrorClass  string
	completedAt time.Time
	completed   bool
}

// StageTiming records when a stage started and how long it took.
type StageTiming struct {
	StartedAt time.Time
	DurationMs int64
}

// TempFileCounts tracks how many temp files a session created vs cleaned.
type TempFileCounts struct {
	Created int
	Cleaned int
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps
// to [0,1], mirroring the teacher's float-precision guard so snapshot
// persistence never trips a downstream numeric-precision error.
func sanitizeConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return float64(int(c*10000+0.5)) / 10000
}

// aggregates holds lock-free running counters plus a mutex-guarded
// duration sample set for percentile computation (§5's "lock-free
// counters for aggregates, mutex only for the bounded session log").
type aggregates struct {
	attempts  int64
	successes int64
	failures  int64

	errorClassCounts sync.Map // string -> *int64

	mu               sync.Mutex
	totalDurations   []int64
	conversionDurs   []int64
	ocrDurs          []int64
	maxSamples       int
}

func newAggregates() *aggregates {
	return &aggregates{maxSamples: 10000}
}

func (a *aggregates) recordDuration(samples *[]int64, ms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	*samples = append(*samples, ms)
	if len(*samples) > a.maxSamples {
		*samples = (*samples)[len(*samples)-a.maxSamples:]
	}
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func summarize(samples []int64) (mean, p50, p95, p99 int64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, s := range sorted {
		sum += s
	}
	mean = sum / int64(len(sorted))
	return mean, percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

// Summary is the periodic/on-demand aggregate view (§4.G).
type Summary struct {
	Attempts        int64
	Successes       int64
	Failures        int64
	SuccessRate     float64
	TotalDuration   DurationStats
	ConversionTime  DurationStats
	OCRTime         DurationStats
	ErrorClassCounts map[string]int64
	TempFileCount   int
	TempFileBytes   int64
}

// DurationStats is a mean/p50/p95/p99 tuple in milliseconds.
type DurationStats struct {
	MeanMs int64
	P50Ms  int64
	P95Ms  int64
	P99Ms  int64
}

// Store is component G. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	ring        []*SessionRecord
	ringCap     int
	ringHead    int
	agg         *aggregates
	tempCount   int64
	tempBytes   int64

	log *logging.Logger
	db  *sql.DB

	summaryStop chan struct{}
	summaryDone chan struct{}
}

// Config configures the store's retention and optional persistence.
type Config struct {
	RingCapacity     int    // default 1000
	SummaryInterval  time.Duration // default 15 minutes
	PostgresDSN      string // optional; empty disables snapshot persistence
}

// New creates a Store and, if cfg.PostgresDSN is set, opens a
// connection pool tuned the way the teacher tunes its job-persistence
// pool (25 max open, 5 max idle, 5-minute lifetime).
func New(cfg Config) (*Store, error) {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 1000
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = 15 * time.Minute
	}

	s := &Store{
		ring:    make([]*SessionRecord, cfg.RingCapacity),
		ringCap: cfg.RingCapacity,
		agg:     newAggregates(),
		log:     logging.NewLogger("metrics"),
	}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open metrics postgres snapshot store: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(2 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping metrics postgres snapshot store: %w", err)
		}
		s.db = db
	}

	s.summaryStop = make(chan struct{})
	s.summaryDone = make(chan struct{})
	go s.summaryLoop(cfg.SummaryInterval)

	return s, nil
}

// StartSession opens a SessionRecord for a new extraction and records
// it in the ring buffer.
func (s *Store) StartSession(sessionID, pdfPath string) *SessionRecord {
	atomic.AddInt64(&s.agg.attempts, 1)
	rec := &SessionRecord{
		SessionID: sessionID,
		PDFPath:   pdfPath,
		StartedAt: time.Now(),
		Stages:    make(map[string]StageTiming),
	}

	s.mu.Lock()
	s.ring[s.ringHead] = rec
	s.ringHead = (s.ringHead + 1) % s.ringCap
	s.mu.Unlock()

	s.log.Info("session started", "sessionId", sessionID, "pdfPath", pdfPath)
	return rec
}

// MarkStage records a stage's start time and duration against rec.
// Durations for convert/ocr also feed the store's percentile samples.
func (s *Store) MarkStage(rec *SessionRecord, stage string, startedAt time.Time, duration time.Duration) {
	s.mu.Lock()
	rec.Stages[stage] = StageTiming{StartedAt: startedAt, DurationMs: duration.Milliseconds()}
	s.mu.Unlock()

	switch stage {
	case StageConvert:
		s.agg.recordDuration(&s.agg.conversionDurs, duration.Milliseconds())
	case StageOCR:
		s.agg.recordDuration(&s.agg.ocrDurs, duration.Milliseconds())
	}
}

// RecordPageOCR logs a per-page OCR completion event, keeping workerId
// scoped to this per-page record rather than the top-level metadata
// per spec.
func (s *Store) RecordPageOCR(sessionID string, pageNumber int, workerID string, duration time.Duration, confidence float64) {
	s.log.Info("ocr page complete",
		"sessionId", sessionID,
		"pageNumber", pageNumber,
		"workerId", workerID,
		"durationMs", duration.Milliseconds(),
		"confidence", sanitizeConfidence(confidence),
	)
}

// RecordTempFileEvent updates the store's live temp-file gauges.
func (s *Store) RecordTempFileEvent(created bool, sizeBytes int64) {
	if created {
		atomic.AddInt64(&s.tempCount, 1)
		atomic.AddInt64(&s.tempBytes, sizeBytes)
	} else {
		atomic.AddInt64(&s.tempCount, -1)
		atomic.AddInt64(&s.tempBytes, -sizeBytes)
	}
}

// Complete closes out rec: records the decision, total duration,
// success/failure counters, and error-class counts, then marks the
// record immutable.
func (s *Store) Complete(rec *SessionRecord, decision, errorClass string) {
	s.mu.Lock()
	rec.Decision = decision
	rec.ErrorClass = errorClass
	rec.completedAt = time.Now()
	rec.completed = true
	s.mu.Unlock()

	total := rec.completedAt.Sub(rec.StartedAt)
	s.agg.recordDuration(&s.agg.totalDurations, total.Milliseconds())

	if errorClass == "" {
		atomic.AddInt64(&s.agg.successes, 1)
	} else {
		atomic.AddInt64(&s.agg.failures, 1)
		counter, _ := s.agg.errorClassCounts.LoadOrStore(errorClass, new(int64))
		atomic.AddInt64(counter.(*int64), 1)
	}

	s.log.Info("session complete", "sessionId", rec.SessionID, "decision", decision, "errorClass", errorClass, "totalMs", total.Milliseconds())
}

// Summarize returns the current aggregate view.
func (s *Store) Summarize() Summary {
	attempts := atomic.LoadInt64(&s.agg.attempts)
	successes := atomic.LoadInt64(&s.agg.successes)
	failures := atomic.LoadInt64(&s.agg.failures)

	s.agg.mu.Lock()
	totalMean, totalP50, totalP95, totalP99 := summarize(s.agg.totalDurations)
	convMean, convP50, convP95, convP99 := summarize(s.agg.conversionDurs)
	ocrMean, ocrP50, ocrP95, ocrP99 := summarize(s.agg.ocrDurs)
	s.agg.mu.Unlock()

	errClasses := make(map[string]int64)
	s.agg.errorClassCounts.Range(func(k, v interface{}) bool {
		errClasses[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	var successRate float64
	if attempts > 0 {
		successRate = float64(successes) / float64(attempts)
	}

	return Summary{
		Attempts:    attempts,
		Successes:   successes,
		Failures:    failures,
		SuccessRate: successRate,
		TotalDuration: DurationStats{MeanMs: totalMean, P50Ms: totalP50, P95Ms: totalP95, P99Ms: totalP99},
		ConversionTime: DurationStats{MeanMs: convMean, P50Ms: convP50, P95Ms: convP95, P99Ms: convP99},
		OCRTime:        DurationStats{MeanMs: ocrMean, P50Ms: ocrP50, P95Ms: ocrP95, P99Ms: ocrP99},
		ErrorClassCounts: errClasses,
		TempFileCount:    int(atomic.LoadInt64(&s.tempCount)),
		TempFileBytes:    atomic.LoadInt64(&s.tempBytes),
	}
}

func (s *Store) summaryLoop(interval time.Duration) {
	defer close(s.summaryDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary := s.Summarize()
			s.log.Info("periodic metrics summary",
				"attempts", summary.Attempts,
				"successes", summary.Successes,
				"failures", summary.Failures,
				"successRate", summary.SuccessRate,
			)
			if s.db != nil {
				s.persistSnapshot(summary)
			}
		case <-s.summaryStop:
			return
		}
	}
}

func (s *Store) persistSnapshot(summary Summary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		s.log.Warn("failed to marshal metrics snapshot", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_metrics_snapshots (captured_at, payload) VALUES ($1, $2)`,
		time.Now(), payload,
	)
	if err != nil {
		s.log.Warn("failed to persist metrics snapshot", "error", err)
	}
}

// Close halts the periodic summary loop and closes any Postgres pool.
func (s *Store) Close() error {
	close(s.summaryStop)
	<-s.summaryDone
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
