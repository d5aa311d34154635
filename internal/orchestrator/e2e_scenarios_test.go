package orchestrator_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/extractcore/internal/config"
	"github.com/corvid-labs/extractcore/internal/convert"
	"github.com/corvid-labs/extractcore/internal/depprobe"
	"github.com/corvid-labs/extractcore/internal/metrics"
	"github.com/corvid-labs/extractcore/internal/model"
	"github.com/corvid-labs/extractcore/internal/ocrpool"
	"github.com/corvid-labs/extractcore/internal/orchestrator"
	"github.com/corvid-labs/extractcore/internal/tempfiles"
)

// buildTextPDF constructs a minimal but valid single-or-multi-page PDF
// in memory, one content stream per page, computing xref offsets from
// actual buffer positions the same way the pdf library's own
// buildMinimalPDF test helper does, so the byte offsets are always
// correct regardless of how long each page's text is.
func buildTextPDF(pageTexts []string) []byte {
	n := len(pageTexts)
	fontObj := 3 + 2*n

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, fontObj+1)

	offsets[1] = buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	kids := make([]string, n)
	for i := 0; i < n; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}
	offsets[2] = buf.Len()
	fmt.Fprintf(&buf, "2 0 obj\n<< /Type /Pages /Count %d /Kids [%s] >>\nendobj\n", n, strings.Join(kids, " "))

	for i := 0; i < n; i++ {
		pageObj := 3 + i
		contentObj := 3 + n + i
		offsets[pageObj] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents %d 0 R /Resources << /Font << /F1 %d 0 R >> >> >>\nendobj\n",
			pageObj, contentObj, fontObj)
	}

	for i := 0; i < n; i++ {
		contentObj := 3 + n + i
		var content string
		if pageTexts[i] != "" {
			content = fmt.Sprintf("BT\n/F1 12 Tf\n72 700 Td\n(%s) Tj\nET\n", pageTexts[i])
		}
		offsets[contentObj] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n<< /Length %d >>\nstream\n%sendstream\nendobj\n", contentObj, len(content), content)
	}

	offsets[fontObj] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n", fontObj)

	totalObjs := fontObj + 1
	xrefPos := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", totalObjs)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i < totalObjs; i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", totalObjs, xrefPos)

	return buf.Bytes()
}

func writePDF(t *testing.T, pageTexts []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.pdf")
	if err := os.WriteFile(path, buildTextPDF(pageTexts), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// denseParagraph clears every classification threshold in §4.F (at
// least 20 total words, 50 words/page, 200 chars/page) for a one-page
// document, starting with the exact prefix spec scenario S1 checks for.
const denseParagraph = "Hello world. This document has well over twenty words to clear the " +
	"density thresholds handily and so on and so forth, padded out with plenty of ordinary " +
	"filler sentences so the classifier is confident this page carries genuine embedded text " +
	"rather than a scanned image, with more than enough characters and vocabulary to safely " +
	"clear every configured density threshold in the pipeline."

type stubOCREngine struct {
	delay time.Duration
}

func (s *stubOCREngine) Recognize(ctx context.Context, imagePath string) (string, float64, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
	return "recognized scanned page text", 0.8, nil
}

func (s *stubOCREngine) Close() error { return nil }

// pageWritingRasterizer fakes component E's native backend: it writes
// one placeholder image file per requested page without needing a real
// MuPDF build, the same substitution internal/convert's own gate tests
// use.
type pageWritingRasterizer struct{}

func (pageWritingRasterizer) Rasterize(pdfPath string, pageNumbers []int, opts convert.BackendOptions, outDir string) ([]string, error) {
	paths := make([]string, 0, len(pageNumbers))
	for _, n := range pageNumbers {
		p := filepath.Join(outDir, fmt.Sprintf("page_%d.png", n))
		if err := os.WriteFile(p, []byte("fake-rasterized-bytes"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

type harness struct {
	orch    *orchestrator.Orchestrator
	tempReg *tempfiles.Registry
	cfg     *config.Config
}

func newHarness(t *testing.T, enabled bool, maxPages int, engineDelay time.Duration) harness {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		Conversion: &config.ConversionConfig{
			Enabled:       enabled,
			DPI:           200,
			Format:        config.FormatPNG,
			Width:         2000,
			Height:        2000,
			MaxPages:      maxPages,
			Timeout:       10 * time.Second,
			MaxConcurrent: 3,
			TempDir:       root,
		},
		TempFiles: &config.TempFileConfig{
			Root:         root,
			MaxAge:       time.Hour,
			MaxCount:     100,
			MaxSizeBytes: 500 * 1024 * 1024,
		},
		OCRPool:     &config.OCRPoolConfig{Languages: "eng", Size: 2},
		GracePeriod: 5 * time.Second,
	}

	tempReg := tempfiles.New(tempfiles.Config{
		Root:         cfg.TempFiles.Root,
		MaxAge:       cfg.TempFiles.MaxAge,
		MaxCount:     cfg.TempFiles.MaxCount,
		MaxSizeBytes: cfg.TempFiles.MaxSizeBytes,
	})
	t.Cleanup(tempReg.Close)

	pool, err := ocrpool.New(cfg.OCRPool.Size, cfg.OCRPool.Languages, root, func(lang, scratchDir string) (ocrpool.Engine, error) {
		return &stubOCREngine{delay: engineDelay}, nil
	})
	if err != nil {
		t.Fatalf("ocrpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	gate := convert.New(cfg.Conversion.MaxConcurrent, pageWritingRasterizer{})
	t.Cleanup(gate.Close)

	metricsStore, err := metrics.New(metrics.Config{})
	if err != nil {
		t.Fatalf("metrics.New() error = %v", err)
	}
	t.Cleanup(func() { metricsStore.Close() })

	probe := depprobe.New(depprobe.Options{})

	return harness{
		orch:    orchestrator.New(cfg, probe, tempReg, pool, gate, metricsStore),
		tempReg: tempReg,
		cfg:     cfg,
	}
}

// S1 — text-based PDF, single page.
func TestScenarioS1TextBasedSinglePage(t *testing.T) {
	h := newHarness(t, true, 1, 0)
	path := writePDF(t, []string{denseParagraph})

	result, err := h.orch.Extract(context.Background(), "s1", path, model.Options{Language: "eng"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if result.Metadata.IsScannedPdf {
		t.Error("expected isScannedPdf = false")
	}
	if result.Metadata.OCRMethod != model.OCRMethodDirect {
		t.Errorf("OCRMethod = %q, want direct", result.Metadata.OCRMethod)
	}
	if result.Metadata.ProcessedPages != 1 {
		t.Errorf("ProcessedPages = %d, want 1", result.Metadata.ProcessedPages)
	}
	if len(result.Summary) == 0 || !strings.HasPrefix(result.Summary[0].PageText, "Hello world.") {
		t.Errorf("summary[0].pageText = %q, want prefix %q", firstOrEmpty(result.Summary), "Hello world.")
	}
	if result.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", result.Confidence)
	}
	if result.Metadata.TempFilesCreated != 0 {
		t.Errorf("TempFilesCreated = %d, want 0", result.Metadata.TempFilesCreated)
	}
	if got := h.tempReg.LiveCountForSession("s1"); got != 0 {
		t.Errorf("LiveCountForSession() after Extract = %d, want 0", got)
	}
}

func firstOrEmpty(pages []model.PageText) string {
	if len(pages) == 0 {
		return ""
	}
	return pages[0].PageText
}

// S2 — scanned PDF, dependencies present (rasterizer faked).
func TestScenarioS2ScannedPDFDepsPresent(t *testing.T) {
	h := newHarness(t, true, 3, 0)
	path := writePDF(t, []string{"", "", ""})

	result, err := h.orch.Extract(context.Background(), "s2", path, model.Options{Language: "eng"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if !result.Metadata.IsScannedPdf {
		t.Error("expected isScannedPdf = true")
	}
	if result.Metadata.DetectionReason != "no extractable text" {
		t.Errorf("DetectionReason = %q, want %q", result.Metadata.DetectionReason, "no extractable text")
	}
	if result.Metadata.OCRMethod != model.OCRMethodPDFToImage {
		t.Errorf("OCRMethod = %q, want pdf-to-image", result.Metadata.OCRMethod)
	}
	if result.Metadata.ProcessedPages != 3 {
		t.Errorf("ProcessedPages = %d, want 3", result.Metadata.ProcessedPages)
	}
	if result.Metadata.TempFilesCreated < result.Metadata.ProcessedPages {
		t.Errorf("TempFilesCreated = %d, want >= %d", result.Metadata.TempFilesCreated, result.Metadata.ProcessedPages)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0,1]", result.Confidence)
	}
	if got := h.tempReg.LiveCountForSession("s2"); got != 0 {
		t.Errorf("LiveCountForSession() after Extract = %d, want 0", got)
	}
}

// S4 — feature flag off.
func TestScenarioS4ConversionDisabled(t *testing.T) {
	h := newHarness(t, false, 3, 0)
	path := writePDF(t, []string{"", "", ""})

	result, err := h.orch.Extract(context.Background(), "s4", path, model.Options{Language: "eng"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if result.Metadata.OCRMethod != model.OCRMethodDisabled {
		t.Errorf("OCRMethod = %q, want disabled", result.Metadata.OCRMethod)
	}
	if !result.Metadata.ConversionDisabled {
		t.Error("expected ConversionDisabled = true")
	}
	if result.Confidence != 0.0 {
		t.Errorf("Confidence = %v, want 0.0", result.Confidence)
	}
	if result.Text != "" {
		t.Errorf("Text = %q, want empty", result.Text)
	}
}

// S6 — cancellation mid-OCR: cancel shortly after the scanned decision
// is made and OCR has begun; Extract must return promptly with no
// live temp files left for the session.
func TestScenarioS6CancellationMidOCR(t *testing.T) {
	h := newHarness(t, true, 3, 200*time.Millisecond)
	path := writePDF(t, []string{"", "", ""})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.orch.Extract(ctx, "s6", path, model.Options{Language: "eng"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a Cancelled/timeout error for mid-OCR cancellation")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Extract() took %v to return after cancellation, want well under the engine delay", elapsed)
	}
	if got := h.tempReg.LiveCountForSession("s6"); got != 0 {
		t.Errorf("LiveCountForSession() after cancelled Extract = %d, want 0", got)
	}
}
