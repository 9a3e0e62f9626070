package config

import "testing"

func Test_Load_Basics(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false")
	}

	t.Setenv("APP_ENV", "prod")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("reload err: %v", err)
	}
	if !cfg.IsProd() {
		t.Fatalf("expected IsProd true")
	}
	if cfg.IsDev() {
		t.Fatalf("expected IsDev false")
	}
}
