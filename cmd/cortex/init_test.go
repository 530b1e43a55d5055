package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunInit_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	var out strings.Builder

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	for _, sub := range []string{"data", "workspace", "docs"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Errorf("missing directory %s", sub)
		}
	}

	cfg, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}
	if !strings.Contains(string(cfg), "ollama:") {
		t.Errorf("config.yaml content unexpected: %q", cfg)
	}
}

func TestRunInit_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("log_level: debug\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0644); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(custom) {
		t.Error("init overwrote an existing config.yaml")
	}
}
