package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HoldTTLSeconds != 300 {
		t.Fatalf("expected default hold TTL 300, got %d", cfg.HoldTTLSeconds)
	}
	if cfg.SaveVisitFiles != "final" {
		t.Fatalf("expected default save-visit-files mode 'final', got %q", cfg.SaveVisitFiles)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("expected default CORS origins [*], got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadHoldTTLOverride(t *testing.T) {
	t.Setenv("HOLD_TTL_SECONDS", "120")

	cfg := Load()
	if cfg.HoldTTLSeconds != 120 {
		t.Fatalf("expected overridden hold TTL 120, got %d", cfg.HoldTTLSeconds)
	}
}

func TestLoadCatalogDataDirsList(t *testing.T) {
	t.Setenv("CATALOG_DATA_DIRS", "Booking_data, Data ,  ")

	cfg := Load()
	want := []string{"Booking_data", "Data"}
	if len(cfg.CatalogDataDirs) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.CatalogDataDirs)
	}
	for i, w := range want {
		if cfg.CatalogDataDirs[i] != w {
			t.Fatalf("expected %v, got %v", want, cfg.CatalogDataDirs)
		}
	}
}
