package evidencepack

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func TestCreateAndVerify_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.tar.gz")
	files := map[string][]byte{
		"episodes/run_summary.json": []byte(`{"success":true}`),
		"logs/s1.log":               []byte("step s1 ok"),
	}

	require.NoError(t, Create("run-1", files, path, fixedClock))

	manifest, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", manifest.RunID)
	assert.Len(t, manifest.FileHashes, 2)
}

func TestCreate_DeterministicBytesForIdenticalInput(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "pack1.tar.gz")
	path2 := filepath.Join(dir, "pack2.tar.gz")

	files := map[string][]byte{
		"b.json": []byte(`{"b":2}`),
		"a.json": []byte(`{"a":1}`),
	}

	require.NoError(t, Create("run-1", files, path1, fixedClock))
	require.NoError(t, Create("run-1", files, path2, fixedClock))

	data1, err := os.ReadFile(path1)
	require.NoError(t, err)
	data2, err := os.ReadFile(path2)
	require.NoError(t, err)
	assert.Equal(t, data1, data2)
}

func TestVerify_MissingManifestFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-manifest.tar.gz")
	writeRawTarGz(t, path, map[string][]byte{"a.json": []byte(`{}`)})

	_, err := Verify(path)
	assert.ErrorContains(t, err, "manifest.json not found")
}

func TestVerify_TamperedFileFailsHashCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tampered.tar.gz")
	require.NoError(t, Create("run-1", map[string][]byte{"a.json": []byte(`{"a":1}`)}, path, fixedClock))

	tampered := reTarWithReplacement(t, path, "a.json", []byte(`{"a":2}`))
	_, err := Verify(tampered)
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestCollectRunFiles_ReadsTreeExcludingManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "s1.log"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(`{}`), 0o644))

	files, err := CollectRunFiles(root)
	require.NoError(t, err)
	assert.Contains(t, files, "logs/s1.log")
	assert.NotContains(t, files, "manifest.json")
}

// writeRawTarGz writes a tar.gz with no manifest.json entry, to exercise
// Verify's missing-manifest error path.
func writeRawTarGz(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()
	for name, data := range files {
		require.NoError(t, writeEntry(tw, name, data))
	}
}

// reTarWithReplacement copies a pack, substituting the content of one
// member (but not its manifest hash), to produce a pack that fails Verify.
func reTarWithReplacement(t *testing.T, src, replaceName string, replacement []byte) string {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()
	gr, err := gzip.NewReader(in)
	require.NoError(t, err)
	defer gr.Close()
	tr := tar.NewReader(gr)

	dst := src + ".tampered.tar.gz"
	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()
	gw := gzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(tr)
		require.NoError(t, err)
		data := buf.Bytes()
		if hdr.Name == replaceName {
			data = replacement
		}
		require.NoError(t, writeEntry(tw, hdr.Name, data))
	}
	return dst
}
