package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cortexd/cortex/examples"
)

// runInit initializes a Cortex working directory: the data and
// workspace subdirectories plus an example config. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Cortex workspace in %s\n", dir)

	for _, sub := range []string{"data", "workspace", "docs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		fmt.Fprintf(w, "  ✓ %s/\n", path)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, start Ollama, then run: cortex serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never clobbers user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
