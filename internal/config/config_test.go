package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"PDF_CONVERSION_ENABLED", "PDF_CONVERSION_DPI", "PDF_CONVERSION_FORMAT",
		"PDF_CONVERSION_WIDTH", "PDF_CONVERSION_HEIGHT", "PDF_CONVERSION_MAX_PAGES",
		"PDF_CONVERSION_TIMEOUT", "PDF_CONVERSION_MAX_CONCURRENT", "PDF_TEMP_DIR",
		"OCR_POOL_SIZE", "TEMP_FILE_MAX_COUNT", "TEMP_FILE_MAX_AGE_MS",
		"TEMP_FILE_MAX_SIZE_BYTES", "DEPENDENCY_CHECK_ON_STARTUP", "OCR_LANGUAGES",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Conversion.DPI != 200 {
		t.Errorf("DPI default = %d, want 200", cfg.Conversion.DPI)
	}
	if cfg.Conversion.Format != FormatPNG {
		t.Errorf("Format default = %s, want png", cfg.Conversion.Format)
	}
	if cfg.Conversion.MaxPages != 1 {
		t.Errorf("MaxPages default = %d, want 1", cfg.Conversion.MaxPages)
	}
	if cfg.OCRPool.Languages != "eng+fra" {
		t.Errorf("Languages default = %s, want eng+fra", cfg.OCRPool.Languages)
	}
	if !cfg.Conversion.Enabled {
		t.Error("Enabled default should be true")
	}
}

func TestFormatNormalization(t *testing.T) {
	clearEnv(t)
	os.Setenv("PDF_CONVERSION_FORMAT", "JPEG")
	defer os.Unsetenv("PDF_CONVERSION_FORMAT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Conversion.Format != FormatJPG {
		t.Errorf("Format = %s, want jpg (normalized from jpeg)", cfg.Conversion.Format)
	}
}

func TestDPIOutOfRangeRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("PDF_CONVERSION_DPI", "9999")
	defer os.Unsetenv("PDF_CONVERSION_DPI")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for out-of-range DPI, got nil")
	}
}

func TestMaxPagesOutOfRangeRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("PDF_CONVERSION_MAX_PAGES", "50")
	defer os.Unsetenv("PDF_CONVERSION_MAX_PAGES")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for out-of-range MaxPages, got nil")
	}
}

func TestMalformedIntValueRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv("PDF_CONVERSION_DPI", "not-a-number")
	defer os.Unsetenv("PDF_CONVERSION_DPI")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable PDF_CONVERSION_DPI, got nil")
	}
}

func TestToBackendOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	opts := cfg.Conversion.ToBackendOptions()
	if opts.Density != cfg.Conversion.DPI {
		t.Errorf("Density = %d, want %d", opts.Density, cfg.Conversion.DPI)
	}
	if opts.Format != string(cfg.Conversion.Format) {
		t.Errorf("Format = %s, want %s", opts.Format, cfg.Conversion.Format)
	}
}
