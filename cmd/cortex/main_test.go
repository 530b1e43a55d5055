package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_Version(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "Cortex") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), `"version"`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_NoCommandPrintsUsage(t *testing.T) {
	var out strings.Builder
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: cortex") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRun_Rejections(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"destroy"}},
		{"unknown flag", []string{"-verbose", "serve"}},
		{"bad output format", []string{"-o", "xml", "version"}},
		{"ask without question", []string{"ask"}},
		{"ingest without path", []string{"ingest"}},
		{"missing explicit config", []string{"-config", "/nonexistent/config.yaml", "verify"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			if err := run(context.Background(), &out, &out, tt.args); err == nil {
				t.Errorf("run(%v) should fail", tt.args)
			}
		})
	}
}

func TestRun_VerifyEmptyLedger(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("data_dir: "+dataDir+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "verify"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "ledger ok: 0 records") {
		t.Errorf("output = %q", out.String())
	}
}
