// Package evidence implements the Evidence Writer (spec C2): per-run
// directory trees and atomically-written, redacted JSON artifacts.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mova-agent/runtime/pkg/redact"
)

const runtimeRootDefault = "artifacts/mova_agent"

// RunDir returns the deterministic per-run evidence directory path.
func RunDir(root, requestID, runID string) string {
	if root == "" {
		root = runtimeRootDefault
	}
	return filepath.Join(root, requestID, "runs", runID)
}

// CreateRunDir creates the per-run evidence directory tree and returns its path.
func CreateRunDir(root, requestID, runID string) (string, error) {
	dir := RunDir(root, requestID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("evidence: create run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("evidence: create logs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "episodes"), 0o755); err != nil {
		return "", fmt.Errorf("evidence: create episodes dir: %w", err)
	}
	return dir, nil
}

// WriteArtifact redacts value, serializes it as two-space-indented JSON,
// and writes it atomically (write to a sibling .tmp file, then rename) under
// dir/filename. If the target already exists, a timestamped copy is placed
// under dir/_backup/ before the rename, per spec §4.2. On any failure the
// prior file (if any) is left intact and the temp file is removed.
func WriteArtifact(dir, filename string, value any) error {
	return WriteArtifactAt(filepath.Join(dir, filename), value)
}

// WriteArtifactAt is WriteArtifact with an explicit full path (used by
// callers, like the episode writer, that address files outside a single
// flat directory).
func WriteArtifactAt(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("evidence: mkdir: %w", err)
	}

	redacted := redactForWire(value)
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshal: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupExisting(path); err != nil {
			return fmt.Errorf("evidence: backup existing: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("evidence: write temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("evidence: commit rename: %w", err)
	}
	return nil
}

// redactForWire round-trips value through JSON so the redaction filter sees
// plain map[string]any/[]any/scalars rather than typed structs.
func redactForWire(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return value
	}
	return redact.Value(generic)
}

func backupExisting(path string) error {
	dir := filepath.Join(filepath.Dir(path), "_backup")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d_%s.bak", time.Now().UnixMilli(), filepath.Base(path))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
