package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// moduleRoot locates the repository root (two levels up from this test
// file's package), so run_plan's schema registry loader — which reads the
// fixed relative paths "schemas/canonical"/"schemas/local" — resolves
// correctly regardless of the test binary's working directory.
func moduleRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, out.String(), "USAGE")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRun_HelpPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "USAGE")
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestRun_RunCmd_MissingArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "run", "only-one-arg.json"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "usage: movaagent run")
}

func TestRun_RunCmd_HappyPath(t *testing.T) {
	chdir(t, moduleRoot(t))
	dir := t.TempDir()
	t.Setenv("MOVA_EVIDENCE_ROOT", filepath.Join(dir, "evidence"))

	planPath := filepath.Join(dir, "plan.json")
	poolPath := filepath.Join(dir, "tool_pool.json")

	writeJSON(t, planPath, map[string]any{
		"verb": "run",
		"payload": map[string]any{
			"steps": []map[string]any{
				{"id": "s1", "verb": "noop", "connector_id": "tool-1", "input": map[string]any{"url": "https://example.com/hook"}},
			},
		},
	})
	writeJSON(t, poolPath, map[string]any{
		"tools": []map[string]any{
			{
				"id": "tool-1", "connector": "noop",
				"binding": map[string]any{
					"driver_kind":           "noop",
					"destination_allowlist": []string{"example.com"},
					"limits":                map[string]any{"timeout_ms": 5000},
				},
			},
		},
	})

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "run", planPath, poolPath}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())

	var summary map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, true, summary["success"])
}

func TestRun_DeliveryCmd_MissingArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "delivery"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "usage: movaagent delivery")
}

func TestRun_DeliveryCmd_BadRequestReportsError(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MOVA_EVIDENCE_ROOT", filepath.Join(dir, "evidence"))
	t.Setenv("OCP_IDEMPOTENCY_STORE_PATH", filepath.Join(dir, "idempotency.json"))
	t.Setenv("OCP_RATE_LIMIT_STORE_PATH", filepath.Join(dir, "ratelimit.json"))

	reqPath := filepath.Join(dir, "request.json")
	writeJSON(t, reqPath, map[string]any{"target_url": "not-a-url", "payload": map[string]any{}})

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "delivery", reqPath}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "delivery.v1")
}

func TestRun_DoctorCmd_WritesReport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MOVA_EVIDENCE_ROOT", dir)

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "doctor"}, &out, &errOut)
	assert.Contains(t, []int{0, 1}, code)
	assert.FileExists(t, filepath.Join(dir, "doctor", "doctor_report.json"))
}

func TestRun_PackCmd_CreateThenVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run-1")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "logs", "s1.log"), []byte("ok"), 0o644))
	packPath := filepath.Join(dir, "run-1.tar.gz")

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "pack", "create", "--run-dir", runDir, "--run-id", "run-1", "--out", packPath}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.FileExists(t, packPath)

	out.Reset()
	errOut.Reset()
	code = Run([]string{"movaagent", "pack", "verify", "--bundle", packPath}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, "run-1", result["run_id"])
}

func TestRun_PackCmd_VerifyFailsOnCorruptBundle(t *testing.T) {
	dir := t.TempDir()
	bundlePath := filepath.Join(dir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(bundlePath, []byte("not a tar.gz"), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "pack", "verify", "--bundle", bundlePath}, &out, &errOut)
	assert.Equal(t, 1, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, false, result["valid"])
}

func TestRun_ScanCmd_CleanDirectory(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "a.json"), map[string]any{"ok": true})

	var out, errOut bytes.Buffer
	code := Run([]string{"movaagent", "scan", dir}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "clean")
}
