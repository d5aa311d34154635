/**
 * Rasterization backend binding.
 *
 * Wraps github.com/gen2brain/go-fitz (MuPDF) to turn PDF pages into
 * image files, per the external native contract in spec §6: given
 * {pdfPath, density, format, width, height, pageRange, outDir}, it
 * produces outDir/page_<n>.<format>.
 *
 * Grounded in catalinfl-extractor/extract.go's fitz.NewFromMemory /
 * doc.NumPage / doc.Close usage pattern.
 */
package convert

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/image/draw"
)

// BackendOptions mirrors config.BackendOptions without importing the
// config package, keeping this file's dependency surface minimal.
type BackendOptions struct {
	Density int
	Format  string
	Width   int
	Height  int
}

// Rasterizer is the abstraction the gate drives; production code uses
// fitzRasterizer, tests substitute a fake so they don't require MuPDF.
type Rasterizer interface {
	// Rasterize renders the 1-indexed pages in pageNumbers from pdfPath
	// into outDir, writing outDir/page_<n>.<format>. It returns the
	// written file paths in page-ascending order.
	Rasterize(pdfPath string, pageNumbers []int, opts BackendOptions, outDir string) ([]string, error)
}

// defaultDensityDPI is used only if a caller submits a zero-value
// BackendOptions.Density; config.ConversionConfig.DPI always validates
// to a non-zero value in the 72-600 range (§4.B), so production calls
// never hit this fallback.
const defaultDensityDPI = 200

type fitzRasterizer struct{}

// NewFitzRasterizer returns the production Rasterizer backed by go-fitz.
func NewFitzRasterizer() Rasterizer {
	return &fitzRasterizer{}
}

func (fitzRasterizer) Rasterize(pdfPath string, pageNumbers []int, opts BackendOptions, outDir string) ([]string, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf for rasterization: %w", err)
	}
	defer doc.Close()

	density := float64(opts.Density)
	if density <= 0 {
		density = defaultDensityDPI
	}

	paths := make([]string, 0, len(pageNumbers))
	for _, pageNum := range pageNumbers {
		img, err := doc.ImageDPI(pageNum-1, density) // go-fitz pages are 0-indexed
		if err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", pageNum, err)
		}

		img = scaleToBounds(img, opts.Width, opts.Height)

		ext := opts.Format
		if ext == "" {
			ext = "png"
		}
		path := filepath.Join(outDir, fmt.Sprintf("page_%d.%s", pageNum, ext))
		if err := writeImage(path, img, ext); err != nil {
			return nil, fmt.Errorf("write rasterized page %d: %w", pageNum, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// scaleToBounds returns img unchanged if it already fits within
// maxWidth x maxHeight. Otherwise it downsamples, preserving aspect
// ratio, to the largest size that fits the configured pixel bounds
// (§4.B's width/height option effect).
func scaleToBounds(img image.Image, maxWidth, maxHeight int) image.Image {
	if maxWidth <= 0 || maxHeight <= 0 {
		return img
	}
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	if srcW <= maxWidth && srcH <= maxHeight {
		return img
	}

	scale := math.Min(float64(maxWidth)/float64(srcW), float64(maxHeight)/float64(srcH))
	dstW := int(math.Round(float64(srcW) * scale))
	dstH := int(math.Round(float64(srcH) * scale))
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func writeImage(path string, img image.Image, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case "jpg", "jpeg":
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(f, img)
	}
}
