/**
 * Extraction Orchestrator — component F.
 *
 * The pipeline's single entry point: classifies the staged file,
 * routes it through direct text extraction or rasterize-then-OCR, and
 * assembles the ExtractionResult every other component feeds into.
 * Grounded in the teacher's DocumentProcessor.ProcessDocument shape
 * (internal/processor/processor.go) — one struct holding every
 * collaborator, one method doing the routing — generalized here to the
 * classify/convert/ocr pipeline §4.F describes instead of the teacher's
 * OCR-tier cascade.
 */
package orchestrator

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/extractcore/internal/config"
	"github.com/corvid-labs/extractcore/internal/convert"
	"github.com/corvid-labs/extractcore/internal/corerrors"
	"github.com/corvid-labs/extractcore/internal/depprobe"
	"github.com/corvid-labs/extractcore/internal/logging"
	"github.com/corvid-labs/extractcore/internal/metrics"
	"github.com/corvid-labs/extractcore/internal/model"
	"github.com/corvid-labs/extractcore/internal/ocrpool"
	"github.com/corvid-labs/extractcore/internal/pdftext"
	"github.com/corvid-labs/extractcore/internal/tempfiles"
)

// Thresholds for the classification algorithm, §4.F, checked in this
// exact order: the first match wins.
const (
	minTotalWords        = 20
	minWordsPerPage      = 50.0
	minCharsPerPage      = 200.0
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Orchestrator wires components A, C, D, E, G behind the single
// extract entry point.
type Orchestrator struct {
	cfg        *config.Config
	probe      *depprobe.Probe
	tempReg    *tempfiles.Registry
	pool       *ocrpool.Pool
	gate       *convert.Gate
	metricsLog *metrics.Store
	log        *logging.Logger
}

// New builds an Orchestrator from already-constructed collaborators;
// cmd/extractctl is responsible for wiring those up from cfg.
func New(cfg *config.Config, probe *depprobe.Probe, tempReg *tempfiles.Registry, pool *ocrpool.Pool, gate *convert.Gate, metricsLog *metrics.Store) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		probe:      probe,
		tempReg:    tempReg,
		pool:       pool,
		gate:       gate,
		metricsLog: metricsLog,
		log:        logging.NewLogger("orchestrator"),
	}
}

// Extract is the orchestrator's entry point (§2's "task runner invokes
// F with (taskId, filePath, options, cancelToken)").
func (o *Orchestrator) Extract(ctx context.Context, taskID, filePath string, opts model.Options) (model.ExtractionResult, error) {
	sessionID := taskID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	start := time.Now()

	rec := o.metricsLog.StartSession(sessionID, filePath)
	var errorClass, decision string
	defer func() {
		cleanupStart := time.Now()
		o.tempReg.ReleaseBySession(context.Background(), sessionID)
		o.metricsLog.MarkStage(rec, metrics.StageCleanup, cleanupStart, time.Since(cleanupStart))
		o.metricsLog.Complete(rec, decision, errorClass)
	}()

	result, err := o.extract(ctx, sessionID, filePath, opts, rec)
	if err != nil {
		if ce, ok := err.(*corerrors.CoreError); ok {
			errorClass = string(ce.Kind)
		} else {
			errorClass = "Unknown"
		}
		return model.ExtractionResult{}, err
	}
	decision = string(result.Metadata.OCRMethod)
	result.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

func (o *Orchestrator) extract(ctx context.Context, sessionID, filePath string, opts model.Options, rec *metrics.SessionRecord) (model.ExtractionResult, error) {
	language := opts.Language
	if language == "" {
		language = "eng"
	}

	if err := checkCancel(ctx, sessionID); err != nil {
		return model.ExtractionResult{}, err
	}

	if !pdftext.IsPDF(filePath) && isImagePath(filePath) {
		return o.extractImage(ctx, sessionID, filePath, language, rec)
	}

	return o.extractPDF(ctx, sessionID, filePath, language, opts, rec)
}

func isImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// extractImage routes a raster image directly to the OCR pool,
// bypassing the gate entirely (§9's explicit design decision: the gate
// is restricted to PDF rasterization).
func (o *Orchestrator) extractImage(ctx context.Context, sessionID, filePath, language string, rec *metrics.SessionRecord) (model.ExtractionResult, error) {
	slot, err := o.pool.Acquire(ctx)
	if err != nil {
		return model.ExtractionResult{}, err
	}

	ocrStart := time.Now()
	text, confidence, err := o.pool.Recognize(ctx, slot, filePath, language)
	ocrElapsed := time.Since(ocrStart)
	o.pool.Release(slot, outcomeFor(err))
	o.metricsLog.MarkStage(rec, metrics.StageOCR, ocrStart, ocrElapsed)
	o.metricsLog.RecordPageOCR(sessionID, 1, slot.ID, ocrElapsed, confidence)

	if err != nil {
		return model.ExtractionResult{}, corerrors.NewOcrFailure(sessionID, slot.ID, err)
	}

	return model.ExtractionResult{
		Text:       text,
		Confidence: confidence,
		Summary:    []model.PageText{{PageNumber: 1, PageText: text}},
		Metadata: model.ExtractionMetadata{
			PageCount:          1,
			OriginalPageCount:  1,
			ProcessedPages:     1,
			Language:           language,
			IsScannedPdf:       false,
			OCRMethod:          model.OCRMethodPDFToImage,
			OCRTimeMs:          ocrElapsed.Milliseconds(),
			SystemDependencies: dependenciesSnapshot(o.probe.Report(ctx)),
		},
	}, nil
}

// extractPDF implements the full classify/route decision tree of §4.F.
func (o *Orchestrator) extractPDF(ctx context.Context, sessionID, filePath, language string, opts model.Options, rec *metrics.SessionRecord) (model.ExtractionResult, error) {
	classifyStart := time.Now()
	doc, err := pdftext.Extract(ctx, filePath, sessionID)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	if err := checkCancel(ctx, sessionID); err != nil {
		return model.ExtractionResult{}, err
	}

	scanned, reason, charsPerPage, wordsPerPage := classify(doc)
	o.metricsLog.MarkStage(rec, metrics.StageClassify, classifyStart, time.Since(classifyStart))

	maxPages := o.cfg.Conversion.MaxPages
	if opts.MaxPages != nil {
		maxPages = *opts.MaxPages
	}

	if !scanned {
		summary := summaryFromDocument(doc)
		return model.ExtractionResult{
			Text:       doc.FullText,
			Confidence: 1.0,
			Summary:    summary,
			Metadata: model.ExtractionMetadata{
				PageCount:           doc.PageCount,
				OriginalPageCount:   doc.PageCount,
				ProcessedPages:      doc.PageCount,
				Language:            language,
				IsScannedPdf:        false,
				OCRMethod:           model.OCRMethodDirect,
				TextDensity:         charsPerPage,
				AverageWordsPerPage: wordsPerPage,
				DetectionReason:     reason,
				SystemDependencies:  dependenciesSnapshot(o.probe.Report(ctx)),
				ConversionSupported: o.probe.IsConversionSupported(ctx),
			},
		}, nil
	}

	depStart := time.Now()
	report := o.probe.Report(ctx)
	o.metricsLog.MarkStage(rec, metrics.StageDependencyCheck, depStart, time.Since(depStart))

	baseMeta := model.ExtractionMetadata{
		PageCount:           doc.PageCount,
		OriginalPageCount:   doc.PageCount,
		Language:            language,
		IsScannedPdf:        true,
		TextDensity:         charsPerPage,
		AverageWordsPerPage: wordsPerPage,
		DetectionReason:     reason,
		SystemDependencies:  dependenciesSnapshot(report),
	}

	if !o.cfg.Conversion.IsEnabled() {
		return disabledResult(doc, baseMeta), nil
	}
	if !report.IsConversionSupported() {
		baseMeta.ConversionSupported = false
		return directFallbackResult(doc, baseMeta, string(corerrors.DependencyMissing)), nil
	}
	baseMeta.ConversionSupported = true

	result, convErr := o.rasterizeAndRecognize(ctx, sessionID, filePath, doc, maxPages, language, baseMeta, rec)
	if convErr == nil {
		return result, nil
	}

	if doc.CharCount() > 0 {
		if ce, ok := convErr.(*corerrors.CoreError); ok {
			return directFallbackResult(doc, baseMeta, string(ce.Kind)), nil
		}
		return directFallbackResult(doc, baseMeta, "Unknown"), nil
	}
	return model.ExtractionResult{}, convErr
}

func (o *Orchestrator) rasterizeAndRecognize(ctx context.Context, sessionID, filePath string, doc pdftext.Document, maxPages int, language string, baseMeta model.ExtractionMetadata, rec *metrics.SessionRecord) (model.ExtractionResult, error) {
	pagesToProcess := maxPages
	if pagesToProcess > doc.PageCount {
		pagesToProcess = doc.PageCount
	}
	pageNumbers := make([]int, pagesToProcess)
	for i := range pageNumbers {
		pageNumbers[i] = i + 1
	}

	outDir, err := o.tempReg.CreateDir(o.cfg.Conversion.TempDir, "extract", sessionID)
	if err != nil {
		return model.ExtractionResult{}, corerrors.NewSystemIO(sessionID, "create temp dir", err)
	}

	deadline := time.Now().Add(o.cfg.Conversion.Timeout)
	convStart := time.Now()
	images, err := o.gate.Submit(ctx, convert.Request{
		ID:        sessionID,
		PDFPath:   filePath,
		PageRange: pageNumbers,
		SessionID: sessionID,
		Deadline:  deadline,
	}, convert.BackendOptions(o.cfg.Conversion.ToBackendOptions()), outDir)
	conversionElapsed := time.Since(convStart)
	o.metricsLog.MarkStage(rec, metrics.StageConvert, convStart, conversionElapsed)

	if err != nil {
		return model.ExtractionResult{}, err
	}

	if err := checkCancel(ctx, sessionID); err != nil {
		return model.ExtractionResult{}, err
	}

	for _, img := range images {
		if _, regErr := o.tempReg.Register(img.PagePath, tempfiles.KindImage, sessionID, img.SizeBytes); regErr != nil {
			o.log.Warn("failed to register rasterized page image", "path", img.PagePath, "error", regErr)
			continue
		}
		o.metricsLog.RecordTempFileEvent(true, img.SizeBytes)
	}

	ocrStart := time.Now()
	pages, confidence, err := o.recognizePages(ctx, sessionID, images, language, rec)
	ocrElapsed := time.Since(ocrStart)
	o.metricsLog.MarkStage(rec, metrics.StageOCR, ocrStart, ocrElapsed)
	if err != nil {
		return model.ExtractionResult{}, err
	}

	var fullText strings.Builder
	summary := make([]model.PageText, len(pages))
	for i, p := range pages {
		if i > 0 {
			fullText.WriteString("\n\n-----\n\n")
		}
		fullText.WriteString(p.PageText)
		summary[i] = p
	}

	meta := baseMeta
	meta.ProcessedPages = len(pages)
	meta.OCRMethod = model.OCRMethodPDFToImage
	meta.TempFilesCreated = o.tempReg.LiveCountForSession(sessionID)
	meta.ConversionTimeMs = conversionElapsed.Milliseconds()
	meta.OCRTimeMs = ocrElapsed.Milliseconds()

	return model.ExtractionResult{
		Text:       fullText.String(),
		Confidence: confidence,
		Summary:    summary,
		Metadata:   meta,
	}, nil
}

// recognizePages launches OCR for each rasterized page concurrently,
// bounded by pool size, preserving page order in the returned slice
// regardless of completion order.
func (o *Orchestrator) recognizePages(ctx context.Context, sessionID string, images []convert.PageImage, language string, rec *metrics.SessionRecord) ([]model.PageText, float64, error) {
	type pageOutcome struct {
		text       string
		confidence float64
		err        error
	}

	outcomes := make([]pageOutcome, len(images))
	var wg sync.WaitGroup

	for i, img := range images {
		wg.Add(1)
		go func(i int, img convert.PageImage) {
			defer wg.Done()

			if err := checkCancel(ctx, sessionID); err != nil {
				outcomes[i] = pageOutcome{err: err}
				return
			}

			slot, err := o.pool.Acquire(ctx)
			if err != nil {
				outcomes[i] = pageOutcome{err: err}
				return
			}

			ocrStart := time.Now()
			text, confidence, ocrErr := o.pool.Recognize(ctx, slot, img.PagePath, language)
			o.pool.Release(slot, outcomeFor(ocrErr))
			o.metricsLog.RecordPageOCR(sessionID, img.PageNumber, slot.ID, time.Since(ocrStart), confidence)

			if ocrErr != nil {
				outcomes[i] = pageOutcome{err: corerrors.NewOcrFailure(sessionID, slot.ID, ocrErr)}
				return
			}
			outcomes[i] = pageOutcome{text: text, confidence: confidence}
		}(i, img)
	}
	wg.Wait()

	var sum float64
	pages := make([]model.PageText, len(images))
	for i, img := range images {
		if outcomes[i].err != nil {
			return nil, 0, outcomes[i].err
		}
		pages[i] = model.PageText{PageNumber: img.PageNumber, PageText: outcomes[i].text}
		sum += outcomes[i].confidence
	}

	mean := 0.0
	if len(images) > 0 {
		mean = sum / float64(len(images))
	}
	return pages, mean, nil
}

func outcomeFor(err error) ocrpool.Outcome {
	if err != nil {
		return ocrpool.OutcomeError
	}
	return ocrpool.OutcomeSuccess
}

func checkCancel(ctx context.Context, sessionID string) error {
	select {
	case <-ctx.Done():
		return corerrors.NewCancelled(sessionID)
	default:
		return nil
	}
}

// classify implements §4.F's classification algorithm: checks run in
// this exact order and the first match determines the reason. It also
// returns the density figures (§3's textDensity/averageWordsPerPage)
// the decision was based on, so callers can carry them onto the result
// metadata instead of recomputing or discarding them.
func classify(doc pdftext.Document) (scanned bool, reason string, charsPerPage, wordsPerPage float64) {
	pageCount := doc.PageCount
	if pageCount < 1 {
		pageCount = 1
	}
	charCount := doc.CharCount()
	wordCount := doc.WordCount()
	wordsPerPage = float64(wordCount) / float64(pageCount)
	charsPerPage = float64(charCount) / float64(pageCount)

	switch {
	case charCount == 0:
		return true, "no extractable text", charsPerPage, wordsPerPage
	case wordCount < minTotalWords:
		return true, "too few total words", charsPerPage, wordsPerPage
	case wordsPerPage < minWordsPerPage:
		return true, "low word density", charsPerPage, wordsPerPage
	case charsPerPage < minCharsPerPage:
		return true, "low character density", charsPerPage, wordsPerPage
	case pdftext.SuspiciousPattern(doc.FullText):
		return true, "suspicious pattern", charsPerPage, wordsPerPage
	default:
		return false, "sufficient content", charsPerPage, wordsPerPage
	}
}

func summaryFromDocument(doc pdftext.Document) []model.PageText {
	summary := make([]model.PageText, len(doc.Pages))
	for i, p := range doc.Pages {
		summary[i] = model.PageText{PageNumber: p.Number, PageText: p.Text}
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].PageNumber < summary[j].PageNumber })
	return summary
}

func disabledResult(doc pdftext.Document, meta model.ExtractionMetadata) model.ExtractionResult {
	confidence := 0.0
	text := ""
	summary := []model.PageText{}
	fallback := doc.CharCount() > 0
	if fallback {
		confidence = 0.25
		text = doc.FullText
		summary = summaryFromDocument(doc)
	}
	meta.OCRMethod = model.OCRMethodDisabled
	meta.ConversionDisabled = true
	meta.FallbackUsed = fallback
	meta.ProcessedPages = len(summary)
	return model.ExtractionResult{
		Text:       text,
		Confidence: confidence,
		Summary:    summary,
		Metadata:   meta,
	}
}

func directFallbackResult(doc pdftext.Document, meta model.ExtractionMetadata, errorClass string) model.ExtractionResult {
	confidence := 0.0
	text := ""
	summary := []model.PageText{}
	fallback := doc.CharCount() > 0
	if fallback {
		confidence = 0.25
		text = doc.FullText
		summary = summaryFromDocument(doc)
	}
	meta.OCRMethod = model.OCRMethodDirectFallback
	meta.FallbackUsed = fallback
	meta.ProcessedPages = len(summary)
	meta.ErrorClass = errorClass
	return model.ExtractionResult{
		Text:       text,
		Confidence: confidence,
		Summary:    summary,
		Metadata:   meta,
	}
}

func dependenciesSnapshot(r depprobe.DependencyReport) model.SystemDependencies {
	return model.SystemDependencies{
		BackendG:  r.BackendG.Available,
		BackendI:  r.BackendI.Available,
		RasterLib: r.RasterLib.Available,
	}
}
