package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/wonderland-agent/internal/defaults"
)

// runInit prepares a working directory for the agent: a data directory,
// an example config.yaml, and the character definition. Existing files
// are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Wonderland workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config may carry MQTT credentials.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	charPath := filepath.Join(dir, "alice-config.json")
	if err := writeIfMissing(charPath, defaults.CharacterJSON, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", charPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and alice-config.json to customize the agent.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
