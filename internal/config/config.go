/**
 * Configuration for the extraction core.
 *
 * Loads the closed set of environment variables the core recognizes and
 * builds the immutable, validated config values consumed by each
 * component. Construction fails with a descriptive error on any
 * out-of-range value; there is no silent clamping.
 */
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Format is the closed set of rasterization output formats (4.B).
type Format string

const (
	FormatPNG Format = "png"
	FormatJPG Format = "jpg"
)

// ConversionConfig is component B: typed, validated configuration for
// rasterization. Values are immutable after construction.
type ConversionConfig struct {
	Enabled       bool
	DPI           int
	Format        Format
	Width         int
	Height        int
	MaxPages      int
	Timeout       time.Duration
	MaxConcurrent int
	TempDir       string
}

// BackendOptions is what gets handed to the rasterization library's
// external native contract (§6): {pdfPath, density, format, width,
// height, pageRange, outDir}. pdfPath/pageRange/outDir are filled in by
// the caller per request; this carries the config-derived fields.
type BackendOptions struct {
	Density int
	Format  string
	Width   int
	Height  int
}

// Get returns a defensive copy-free view of the config; ConversionConfig
// is already immutable, so Get is the identity accessor named by §4.B.
func (c *ConversionConfig) Get() *ConversionConfig { return c }

// IsEnabled reports the master switch for the rasterization path.
func (c *ConversionConfig) IsEnabled() bool { return c.Enabled }

// ToBackendOptions projects the config onto the rasterizer's contract.
func (c *ConversionConfig) ToBackendOptions() BackendOptions {
	return BackendOptions{
		Density: c.DPI,
		Format:  string(c.Format),
		Width:   c.Width,
		Height:  c.Height,
	}
}

// TempFileConfig holds the Temp-File Registry's (4.C) resource caps.
type TempFileConfig struct {
	Root         string
	MaxAge       time.Duration
	MaxCount     int
	MaxSizeBytes int64
}

// OCRPoolConfig holds the OCR Worker Pool's (4.D) shape.
type OCRPoolConfig struct {
	Languages string
	Size      int
}

// Config is the closed set of application-level configuration drawn
// from the environment, per spec §6, plus the ambient wiring this
// repository adds for the maintenance scheduler and metrics
// persistence (both optional and off by default).
type Config struct {
	Conversion               *ConversionConfig
	TempFiles                *TempFileConfig
	OCRPool                  *OCRPoolConfig
	DependencyCheckOnStartup bool
	GracePeriod              time.Duration

	// MaintenanceRedisURL, when non-empty, enables the asynq-backed
	// periodic scheduler (internal/maintenance) as an additional trigger
	// path alongside the plain time.Ticker loops each component always
	// runs on its own.
	MaintenanceRedisURL string
	// MetricsPostgresDSN, when non-empty, enables periodic persistence
	// of G's aggregate summary to PostgreSQL.
	MetricsPostgresDSN string
}

// Load builds Config from the process environment. Every field has a
// spec-mandated default; out-of-range values, and values present but
// unparseable for their type, abort construction with a descriptive
// error rather than being clamped or silently defaulted.
func Load() (*Config, error) {
	var l envLoader

	conv := &ConversionConfig{
		Enabled:       l.bool("PDF_CONVERSION_ENABLED", true),
		DPI:           l.int("PDF_CONVERSION_DPI", 200),
		Format:        normalizeFormat(getEnvOrDefault("PDF_CONVERSION_FORMAT", "png")),
		Width:         l.int("PDF_CONVERSION_WIDTH", 2000),
		Height:        l.int("PDF_CONVERSION_HEIGHT", 2000),
		MaxPages:      l.int("PDF_CONVERSION_MAX_PAGES", 1),
		Timeout:       time.Duration(l.int("PDF_CONVERSION_TIMEOUT", 30000)) * time.Millisecond,
		MaxConcurrent: l.int("PDF_CONVERSION_MAX_CONCURRENT", 3),
		TempDir:       getEnvOrDefault("PDF_TEMP_DIR", os.TempDir()),
	}

	tmp := &TempFileConfig{
		Root:         conv.TempDir,
		MaxAge:       time.Duration(l.int("TEMP_FILE_MAX_AGE_MS", 3600000)) * time.Millisecond,
		MaxCount:     l.int("TEMP_FILE_MAX_COUNT", 100),
		MaxSizeBytes: l.int64("TEMP_FILE_MAX_SIZE_BYTES", 500*1024*1024),
	}

	pool := &OCRPoolConfig{
		Languages: getEnvOrDefault("OCR_LANGUAGES", "eng+fra"),
		Size:      l.int("OCR_POOL_SIZE", 2),
	}

	depCheck := l.bool("DEPENDENCY_CHECK_ON_STARTUP", false)

	if l.err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", l.err)
	}

	if err := validateConversion(conv); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if tmp.MaxCount < 1 {
		return nil, fmt.Errorf("TEMP_FILE_MAX_COUNT must be positive, got %d", tmp.MaxCount)
	}
	if tmp.MaxSizeBytes < 1 {
		return nil, fmt.Errorf("TEMP_FILE_MAX_SIZE_BYTES must be positive, got %d", tmp.MaxSizeBytes)
	}
	if pool.Size < 0 {
		return nil, fmt.Errorf("OCR_POOL_SIZE must not be negative, got %d", pool.Size)
	}

	return &Config{
		Conversion:               conv,
		TempFiles:                tmp,
		OCRPool:                  pool,
		DependencyCheckOnStartup: depCheck,
		GracePeriod:              30 * time.Second,
		MaintenanceRedisURL:      getEnvOrDefault("MAINTENANCE_REDIS_URL", ""),
		MetricsPostgresDSN:       getEnvOrDefault("METRICS_POSTGRES_DSN", ""),
	}, nil
}

func normalizeFormat(raw string) Format {
	f := strings.ToLower(strings.TrimSpace(raw))
	if f == "jpeg" {
		f = "jpg"
	}
	return Format(f)
}

func validateConversion(c *ConversionConfig) error {
	if c.DPI < 72 || c.DPI > 600 {
		return fmt.Errorf("PDF_CONVERSION_DPI must be between 72 and 600, got %d", c.DPI)
	}
	if c.Format != FormatPNG && c.Format != FormatJPG {
		return fmt.Errorf("PDF_CONVERSION_FORMAT must be one of png, jpg, jpeg, got %q", c.Format)
	}
	if c.Width < 100 || c.Width > 5000 {
		return fmt.Errorf("PDF_CONVERSION_WIDTH must be between 100 and 5000, got %d", c.Width)
	}
	if c.Height < 100 || c.Height > 5000 {
		return fmt.Errorf("PDF_CONVERSION_HEIGHT must be between 100 and 5000, got %d", c.Height)
	}
	if c.MaxPages < 1 || c.MaxPages > 10 {
		return fmt.Errorf("PDF_CONVERSION_MAX_PAGES must be between 1 and 10, got %d", c.MaxPages)
	}
	if c.Timeout < 5000*time.Millisecond || c.Timeout > 300000*time.Millisecond {
		return fmt.Errorf("PDF_CONVERSION_TIMEOUT must be between 5000 and 300000 ms, got %v", c.Timeout)
	}
	if c.TempDir == "" {
		return fmt.Errorf("PDF_TEMP_DIR must not be empty")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("PDF_CONVERSION_MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envLoader parses typed environment values, keeping only the first
// parse failure it hits so Load can report one descriptive error
// instead of the first helper silently falling back to its default.
// A present-but-unparseable value is a configuration error (§6:
// "Invalid values abort construction with a descriptive error"); an
// absent variable still takes its default.
type envLoader struct {
	err error
}

func (l *envLoader) bool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		l.record(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (l *envLoader) int(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		l.record(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (l *envLoader) int64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		l.record(key, valueStr, err)
		return defaultValue
	}
	return value
}

func (l *envLoader) record(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}
