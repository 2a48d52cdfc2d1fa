package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFixture lays out a run directory with one artifact and a
// manifest declaring it, returning the paths and the manifest hash.
func writeFixture(t *testing.T, mutate func(m *Manifest)) (manifestPath, runDir, manifestHash string) {
	t.Helper()
	runDir = t.TempDir()

	content := []byte("artifact payload\n")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "out"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "out", "result.json"), content, 0o600))

	m := Manifest{
		FormatVersion: "0.1.0",
		SolverID:      "0xsolver1",
		ReceiptID:     "0xreceipt1",
		Artifacts: []Artifact{{
			Path:      "out/result.json",
			Sha256:    sha256Hex(content),
			SizeBytes: int64(len(content)),
		}},
	}
	if mutate != nil {
		mutate(&m)
	}

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	manifestPath = filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o600))
	return manifestPath, runDir, sha256Hex(raw)
}

func TestVerifyCleanManifest(t *testing.T) {
	manifestPath, runDir, hash := writeFixture(t, nil)

	result, err := Verify(manifestPath, runDir, hash)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, hash, result.ManifestSha256)
	require.NotNil(t, result.Manifest)
	assert.Equal(t, "0xsolver1", result.Manifest.SolverID)

	signals := Signals(result, 1704067200)
	require.Len(t, signals, 1)
	assert.Equal(t, "BE_VERIFIED_OK", signals[0].SignalID)
	assert.Equal(t, contracts.SeverityLow, signals[0].Severity)
	assert.Equal(t, 0.1, signals[0].Weight)
}

func TestVerifyManifestHashMismatch(t *testing.T) {
	manifestPath, runDir, _ := writeFixture(t, nil)

	result, err := Verify(manifestPath, runDir, sha256Hex([]byte("something else")))
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, contracts.ManifestHashMismatch, result.Failures[0].Code)
}

func TestVerifyUnsafePaths(t *testing.T) {
	manifestPath, runDir, hash := writeFixture(t, func(m *Manifest) {
		m.Artifacts = append(m.Artifacts,
			Artifact{Path: "../escape.txt", Sha256: sha256Hex(nil), SizeBytes: 0},
			Artifact{Path: "/etc/passwd", Sha256: sha256Hex(nil), SizeBytes: 0},
		)
	})

	result, err := Verify(manifestPath, runDir, hash)
	require.NoError(t, err)
	require.Len(t, result.Failures, 2)
	for _, f := range result.Failures {
		assert.Equal(t, contracts.UnsafePath, f.Code)
	}
	// Sorted by path within the code.
	assert.Equal(t, "../escape.txt", result.Failures[0].Path)
	assert.Equal(t, "/etc/passwd", result.Failures[1].Path)
}

func TestVerifyArtifactFailures(t *testing.T) {
	manifestPath, runDir, hash := writeFixture(t, func(m *Manifest) {
		m.Artifacts[0].Sha256 = sha256Hex([]byte("tampered"))
		m.Artifacts = append(m.Artifacts,
			Artifact{Path: "out/missing.bin", Sha256: sha256Hex(nil), SizeBytes: 4},
		)
	})

	result, err := Verify(manifestPath, runDir, hash)
	require.NoError(t, err)
	require.Len(t, result.Failures, 2)
	// (code, path) ordering: ARTIFACT_HASH_MISMATCH < ARTIFACT_NOT_FOUND.
	assert.Equal(t, contracts.ArtifactHashMismatch, result.Failures[0].Code)
	assert.Equal(t, "out/result.json", result.Failures[0].Path)
	assert.Equal(t, contracts.ArtifactNotFound, result.Failures[1].Code)
	assert.Equal(t, "out/missing.bin", result.Failures[1].Path)
}

func TestVerifySizeMismatchShortCircuitsHash(t *testing.T) {
	manifestPath, runDir, hash := writeFixture(t, func(m *Manifest) {
		m.Artifacts[0].SizeBytes = 9999
	})

	result, err := Verify(manifestPath, runDir, hash)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, contracts.ArtifactSizeMismatch, result.Failures[0].Code)
}

func TestVerifyRejectsUnsupportedFormatVersion(t *testing.T) {
	manifestPath, runDir, hash := writeFixture(t, func(m *Manifest) {
		m.FormatVersion = "1.0.0"
	})

	result, err := Verify(manifestPath, runDir, hash)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, contracts.ManifestSchemaInvalid, result.Failures[0].Code)
	assert.Contains(t, result.Failures[0].Detail, "outside supported range")
}

func TestVerifyNotJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	raw := []byte("not json at all")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	result, err := Verify(path, t.TempDir(), sha256Hex(raw))
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, contracts.ManifestSchemaInvalid, result.Failures[0].Code)
}

func TestVerifyMissingManifest(t *testing.T) {
	result, err := Verify(filepath.Join(t.TempDir(), "absent.json"), t.TempDir(), sha256Hex(nil))
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, contracts.ManifestNotFound, result.Failures[0].Code)
}

func TestSignalsCollapseByCode(t *testing.T) {
	result := &Result{}
	for i := 0; i < 3; i++ {
		result.fail(contracts.ArtifactHashMismatch, fmt.Sprintf("out/a%d.bin", i), "hash mismatch")
	}
	result.fail(contracts.UnsafePath, "../x", "escape")
	result.sorted()

	signals := Signals(result, 1704067200)
	require.Len(t, signals, 2)
	assert.Equal(t, "BE_ARTIFACT_HASH_MISMATCH", signals[0].SignalID)
	assert.Len(t, signals[0].Evidence, 3, "every offending path travels with the one signal")
	assert.Equal(t, "BE_UNSAFE_PATH", signals[1].SignalID)
	for _, s := range signals {
		assert.Equal(t, contracts.SeverityCritical, s.Severity)
		assert.Equal(t, 1.0, s.Weight)
	}
}

func TestSignalForMissingArtifactName(t *testing.T) {
	assert.Equal(t, "BE_ARTIFACT_MISSING", signalIDFor(contracts.ArtifactNotFound))
	assert.Equal(t, "BE_MANIFEST_HASH_MISMATCH", signalIDFor(contracts.ManifestHashMismatch))
}
