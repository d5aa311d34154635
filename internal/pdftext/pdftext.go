/**
 * Direct PDF text extraction — the non-rasterizing half of component F.
 *
 * Wraps github.com/Geek0x0/pdf, a pure-Go PDF parser with no cgo
 * dependency, to answer the classification question (§4.F) before any
 * rasterization is attempted: how much real text does this PDF already
 * carry, and how is it distributed across pages.
 */
package pdftext

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	gpdf "github.com/Geek0x0/pdf"

	"github.com/corvid-labs/extractcore/internal/corerrors"
)

// Page is one page's extracted plain text.
type Page struct {
	Number int
	Text   string
}

// Document is the result of a direct-extraction pass over a PDF: its
// full concatenated text, per-page breakdown, and page count, which
// together feed the classification algorithm in §4.F.
type Document struct {
	PageCount int
	Pages     []Page
	FullText  string
}

// WordCount returns the whitespace-delimited token count of the
// document's full text (spec's W).
func (d Document) WordCount() int {
	return len(strings.Fields(d.FullText))
}

// CharCount returns the rune count of the document's full text (spec's C).
func (d Document) CharCount() int {
	return len([]rune(d.FullText))
}

var (
	onlyDigitsRe       = regexp.MustCompile(`^[\d\s]*$`)
	onlyWhitespaceRe   = regexp.MustCompile(`^\s*$`)
	onlyNonWordCharsRe = regexp.MustCompile(`^[^\p{L}\p{N}]*$`)
)

// SuspiciousPattern reports whether t matches one of the shapes §4.F
// treats as evidence of a scanned PDF regardless of density: a page
// region that is nothing but digits, nothing but whitespace, or
// nothing but punctuation/symbols.
func SuspiciousPattern(t string) bool {
	if t == "" {
		return false
	}
	return onlyDigitsRe.MatchString(t) || onlyWhitespaceRe.MatchString(t) || onlyNonWordCharsRe.MatchString(t)
}

// Extract opens pdfPath and extracts plain text page by page, returning
// a Document the orchestrator can classify and (if text-based) split
// directly into the extraction result's summary.
//
// An encrypted PDF is surfaced as corerrors.ConversionInvalidInput —
// the orchestrator treats it the same as any other unparseable input,
// never attempting a password prompt.
func Extract(ctx context.Context, pdfPath, sessionID string) (Document, error) {
	f, r, err := gpdf.Open(pdfPath)
	if err != nil {
		if err == gpdf.ErrEncrypted {
			return Document{}, corerrors.NewConversionInvalidInput(sessionID, "PDF is password-protected", err)
		}
		return Document{}, corerrors.NewConversionInvalidInput(sessionID, "unable to parse PDF", err)
	}
	defer f.Close()

	numPages := r.NumPage()
	pages := make([]Page, 0, numPages)
	var fullText strings.Builder

	for i := 1; i <= numPages; i++ {
		select {
		case <-ctx.Done():
			return Document{}, corerrors.NewCancelled(sessionID)
		default:
		}

		page := r.Page(i)
		text, err := page.GetPlainText(ctx, nil)
		if err != nil {
			return Document{}, corerrors.NewConversionInvalidInput(sessionID, fmt.Sprintf("unable to extract text from page %d", i), err)
		}

		pages = append(pages, Page{Number: i, Text: text})
		if i > 1 {
			fullText.WriteString("\n\n-----\n\n")
		}
		fullText.WriteString(text)
	}

	return Document{
		PageCount: numPages,
		Pages:     pages,
		FullText:  fullText.String(),
	}, nil
}

// IsPDF does a cheap signature check, since the orchestrator routes
// purely on classification results rather than trusting the staged
// file's extension.
func IsPDF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var sig [5]byte
	n, _ := f.Read(sig[:])
	return n == 5 && string(sig[:]) == "%PDF-"
}
