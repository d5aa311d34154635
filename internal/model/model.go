/**
 * Shared data model — §3.
 *
 * Types the orchestrator (component F) produces and the task runner /
 * CLI consume. Grounded in the teacher's ProcessRequest/ProcessResult
 * split in internal/processor/processor.go, renamed and reshaped to
 * the extraction result contract §3 and §6 specify.
 */
package model

import "time"

// TaskStatus is the closed set of external task states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is the external unit of work the orchestrator is invoked for.
// Task-record persistence and retries are the caller's responsibility
// (§9 Open Questions); this struct only carries what extract() needs.
type Task struct {
	ID       string
	Status   TaskStatus
	Progress int
}

// Options are the caller-supplied knobs for one extraction (§6).
type Options struct {
	Language   string // "eng", "fra", or "eng+fra"
	MaxPages   *int   // overrides config.ConversionConfig.MaxPages when set
	Summarize  bool   // accepted for interface compatibility, always ignored
}

// OCRMethod records which path produced the extraction result.
type OCRMethod string

const (
	OCRMethodDirect         OCRMethod = "direct"
	OCRMethodPDFToImage     OCRMethod = "pdf-to-image"
	OCRMethodDirectFallback OCRMethod = "direct_fallback"
	OCRMethodDisabled       OCRMethod = "disabled"
)

// PageText is one entry of ExtractionResult.Summary.
type PageText struct {
	PageNumber int    `json:"pageNumber"`
	PageText   string `json:"pageText"`
}

// SystemDependencies is the snapshot embedded in ExtractionMetadata,
// mirroring depprobe.DependencyReport without importing it so the model
// package stays leaf-level.
type SystemDependencies struct {
	BackendG  bool `json:"backendG"`
	BackendI  bool `json:"backendI"`
	RasterLib bool `json:"rasterLib"`
}

// ExtractionMetadata is §3's ExtractionMetadata verbatim.
type ExtractionMetadata struct {
	PageCount             int                 `json:"pageCount"`
	OriginalPageCount     int                 `json:"originalPageCount"`
	ProcessedPages        int                 `json:"processedPages"`
	ProcessingTimeMs      int64               `json:"processingTimeMs"`
	ConversionTimeMs      int64               `json:"conversionTimeMs,omitempty"`
	OCRTimeMs             int64               `json:"ocrTimeMs,omitempty"`
	Language              string              `json:"language"`
	IsScannedPdf          bool                `json:"isScannedPdf"`
	OCRMethod             OCRMethod           `json:"ocrMethod"`
	TextDensity           float64             `json:"textDensity"`
	AverageWordsPerPage   float64             `json:"averageWordsPerPage"`
	DetectionReason       string              `json:"detectionReason"`
	TempFilesCreated      int                 `json:"tempFilesCreated"`
	ConversionSupported   bool                `json:"conversionSupported"`
	FallbackUsed          bool                `json:"fallbackUsed"`
	ConversionDisabled    bool                `json:"conversionDisabled"`
	SystemDependencies    SystemDependencies  `json:"systemDependencies"`
	ErrorClass            string              `json:"errorClass,omitempty"`
}

// ExtractionResult is §3's ExtractionResult, the orchestrator's return
// value and the payload behind the §6 HTTP shape's "result" field.
type ExtractionResult struct {
	Text       string              `json:"extractedText"`
	Confidence float64             `json:"confidence"`
	Summary    []PageText          `json:"summary"`
	Metadata   ExtractionMetadata  `json:"metadata"`
}

// PerPageTiming is recorded only on per-page metric events (§9 Open
// Question: workerId appears on per-page entries, never at the
// top-level ExtractionMetadata).
type PerPageTiming struct {
	PageNumber int
	WorkerID   string
	DurationMs int64
	Confidence float64
	OccurredAt time.Time
}
