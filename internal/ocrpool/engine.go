/**
 * OCR engine binding.
 *
 * Wraps github.com/otiai10/gosseract/v2 behind a small interface so the
 * pool's slot lifecycle is testable without a native Tesseract install.
 * Grounded directly in the teacher's internal/processor/tesseract_ocr.go.
 */
package ocrpool

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Engine is one loaded OCR recognizer instance. Implementations are not
// expected to be safe for concurrent use — the pool guarantees at most
// one caller per slot at a time (invariant 3).
type Engine interface {
	Recognize(ctx context.Context, imagePath string) (text string, confidence float64, err error)
	Close() error
}

// tesseractEngine is the production Engine, one gosseract.Client per
// slot holding the configured language set.
type tesseractEngine struct {
	client *gosseract.Client
}

// NewTesseractEngine loads a gosseract client configured with lang
// (e.g. "eng+fra") and a private scratch directory.
func NewTesseractEngine(lang, scratchDir string) (Engine, error) {
	client := gosseract.NewClient()
	if lang != "" {
		if err := client.SetLanguage(strings.Split(lang, "+")...); err != nil {
			client.Close()
			return nil, fmt.Errorf("set tesseract language %q: %w", lang, err)
		}
	}
	if scratchDir != "" {
		if err := client.SetTempDir(scratchDir); err != nil {
			client.Close()
			return nil, fmt.Errorf("set tesseract scratch dir: %w", err)
		}
	}
	return &tesseractEngine{client: client}, nil
}

func (e *tesseractEngine) Recognize(ctx context.Context, imagePath string) (string, float64, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	if err := e.client.SetImage(imagePath); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}

	text, err := e.client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("tesseract recognition failed: %w", err)
	}

	return text, calculateConfidence(text), nil
}

func (e *tesseractEngine) Close() error {
	return e.client.Close()
}

// calculateConfidence estimates a normalized [0,1] confidence from text
// quality indicators, grounded in the teacher's
// calculateTesseractConfidence heuristic (length, word count, alpha
// ratio), since gosseract's Text() does not surface engine-internal
// per-word confidence without HOCR parsing.
func calculateConfidence(text string) float64 {
	confidence := 0.5

	if len(text) > 1000 {
		confidence += 0.1
	}
	if len(text) > 5000 {
		confidence += 0.1
	}

	words := strings.Fields(text)
	if len(words) > 100 {
		confidence += 0.1
	}

	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	if len(text) > 0 {
		alphaRatio := float64(alphaCount) / float64(len(text))
		if alphaRatio > 0.5 && alphaRatio < 0.9 {
			confidence += 0.1
		}
	}

	if confidence > 0.85 {
		confidence = 0.85
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}
