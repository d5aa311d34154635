/**
 * Dependency Probe — component A.
 *
 * Detects whether PDF rasterization is possible on this host: whether
 * one of the two native image-rendering backends (Ghostscript,
 * ImageMagick) is installed, and whether the in-process rasterization
 * library can be loaded. Grounded in the version-probe + exec.Command
 * pattern used throughout the corpus's Ghostscript callers.
 */
package depprobe

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/corvid-labs/extractcore/internal/logging"
)

const probeTimeout = 2 * time.Second

// Family identifies the platform a set of install hints targets.
type Family string

const (
	FamilyWindows Family = "windows"
	FamilyMac     Family = "darwin"
	FamilyLinux   Family = "linux"
)

// DependencyStatus is the per-dependency result of a version probe.
type DependencyStatus struct {
	Available bool
	Version   string
	Path      string
	Hint      string
}

// DependencyReport is the full result of probe(): the two candidate
// native backends and the rasterization library binding.
type DependencyReport struct {
	BackendG  DependencyStatus // Ghostscript
	BackendI  DependencyStatus // ImageMagick
	RasterLib DependencyStatus // the go-fitz / MuPDF binding
	CheckedAt time.Time
}

// IsConversionSupported is true iff the rasterization library is
// available and at least one native backend is available.
func (r DependencyReport) IsConversionSupported() bool {
	return r.RasterLib.Available && (r.BackendG.Available || r.BackendI.Available)
}

// Missing lists the taxonomy-facing names of whichever dependencies are
// absent, for use in a DependencyMissing error's Details.
func (r DependencyReport) Missing() []string {
	var missing []string
	if !r.RasterLib.Available {
		missing = append(missing, "rasterLib")
	}
	if !r.BackendG.Available && !r.BackendI.Available {
		missing = append(missing, "backendG", "backendI")
	}
	return missing
}

// Options configures custom executable paths, overriding the default
// names the probe looks for.
type Options struct {
	GhostscriptPath string
	ImageMagickPath string
}

// Probe caches the last DependencyReport under a mutex and refreshes it
// at most every refreshInterval, per spec §5's shared-resource policy.
type Probe struct {
	mu              sync.Mutex
	last            DependencyReport
	hasResult       bool
	refreshInterval time.Duration
	opts            Options
	log             *logging.Logger
}

// New creates a Probe. opts may be zero-valued to use default
// executable names ("gs", "magick"/"convert").
func New(opts Options) *Probe {
	return &Probe{
		refreshInterval: 30 * time.Second,
		opts:            opts,
		log:             logging.NewLogger("depprobe"),
	}
}

// Probe runs the version commands and returns a fresh report,
// regardless of cache age. Each command is bounded to probeTimeout; a
// non-zero exit or timeout marks that dependency unavailable and is
// never fatal on its own.
func (p *Probe) Probe(ctx context.Context) DependencyReport {
	report := DependencyReport{
		BackendG:  p.probeGhostscript(ctx),
		BackendI:  p.probeImageMagick(ctx),
		RasterLib: p.probeRasterLib(),
		CheckedAt: time.Now(),
	}

	p.mu.Lock()
	p.last = report
	p.hasResult = true
	p.mu.Unlock()

	return report
}

// Report returns the cached last result, refreshing it first if it is
// older than refreshInterval or has never been computed.
func (p *Probe) Report(ctx context.Context) DependencyReport {
	p.mu.Lock()
	stale := !p.hasResult || time.Since(p.last.CheckedAt) > p.refreshInterval
	cached := p.last
	p.mu.Unlock()

	if stale {
		return p.Probe(ctx)
	}
	return cached
}

// IsConversionSupported reports the cached conversion-support verdict,
// refreshing the cache if needed.
func (p *Probe) IsConversionSupported(ctx context.Context) bool {
	return p.Report(ctx).IsConversionSupported()
}

var gsVersionRe = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

func (p *Probe) probeGhostscript(ctx context.Context) DependencyStatus {
	path := p.opts.GhostscriptPath
	if path == "" {
		path = "gs"
	}
	return p.runVersionProbe(ctx, path, []string{"--version"}, gsVersionRe, installHint("ghostscript"))
}

func (p *Probe) probeImageMagick(ctx context.Context) DependencyStatus {
	path := p.opts.ImageMagickPath
	if path == "" {
		path = "magick"
	}
	status := p.runVersionProbe(ctx, path, []string{"-version"}, gsVersionRe, installHint("imagemagick"))
	if status.Available {
		return status
	}
	// Older ImageMagick installs (and most Linux distro packages) only
	// ship the "convert" binary, not the unified "magick" entry point.
	return p.runVersionProbe(ctx, "convert", []string{"-version"}, gsVersionRe, installHint("imagemagick"))
}

func (p *Probe) runVersionProbe(ctx context.Context, bin string, args []string, versionRe *regexp.Regexp, hint string) DependencyStatus {
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return DependencyStatus{Available: false, Hint: hint}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, resolved, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		p.log.Debug("version probe failed", "binary", bin, "error", err)
		return DependencyStatus{Available: false, Path: resolved, Hint: hint}
	}

	version := versionRe.FindString(out.String())
	return DependencyStatus{Available: true, Version: version, Path: resolved, Hint: hint}
}

// probeRasterLib reports whether the in-process MuPDF binding can be
// used. Unlike the subprocess backends, there is no external version
// command to shell out to — go-fitz links its native dependency
// directly into the binary — so availability is determined once at
// build time and is always true for a binary built with the import
// present. A build-tag-gated stub would let operators build without
// cgo support; that is left to deployment tooling, not this probe.
func (p *Probe) probeRasterLib() DependencyStatus {
	return DependencyStatus{
		Available: true,
		Version:   "go-fitz (MuPDF)",
		Hint:      installHint("rasterlib"),
	}
}

func installHint(dep string) string {
	return hintFor(currentFamily(), dep)
}

func currentFamily() Family {
	switch runtime.GOOS {
	case "windows":
		return FamilyWindows
	case "darwin":
		return FamilyMac
	default:
		return FamilyLinux
	}
}

func hintFor(family Family, dep string) string {
	hints := map[Family]map[string]string{
		FamilyWindows: {
			"ghostscript": "install Ghostscript from https://ghostscript.com/releases and ensure gswin64c.exe is on PATH",
			"imagemagick": "install ImageMagick from https://imagemagick.org/script/download.php#windows",
			"rasterlib":   "rebuild with cgo enabled and MuPDF development headers available",
		},
		FamilyMac: {
			"ghostscript": "brew install ghostscript",
			"imagemagick": "brew install imagemagick",
			"rasterlib":   "rebuild with cgo enabled; MuPDF is vendored by go-fitz",
		},
		FamilyLinux: {
			"ghostscript": "apt-get install ghostscript (or your distro's equivalent package)",
			"imagemagick": "apt-get install imagemagick (or your distro's equivalent package)",
			"rasterlib":   "rebuild with cgo enabled; MuPDF is vendored by go-fitz",
		},
	}
	return fmt.Sprintf("[%s] %s", family, hints[family][dep])
}
