package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Result is the outcome of one manifest verification. An empty
// Failures slice means the delivery checked out.
type Result struct {
	ManifestSha256 string
	Manifest       *Manifest
	Failures       []contracts.ManifestVerificationError
}

// OK reports whether verification passed.
func (r *Result) OK() bool { return len(r.Failures) == 0 }

// Verify checks the manifest at manifestPath against expectedSha256
// and the contents of runDir. It always returns a Result; the error
// return is reserved for I/O faults outside the verification domain.
// Failures come back sorted by (code, path) so output is stable.
func Verify(manifestPath, runDir, expectedSha256 string) (*Result, error) {
	result := &Result{}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.fail(contracts.ManifestNotFound, "", fmt.Sprintf("manifest %s does not exist", manifestPath))
			return result.sorted(), nil
		}
		return nil, &contracts.IOError{Op: "read manifest", Path: manifestPath, Err: err}
	}

	sum := sha256.Sum256(raw)
	result.ManifestSha256 = hex.EncodeToString(sum[:])
	if !strings.EqualFold(result.ManifestSha256, expectedSha256) {
		result.fail(contracts.ManifestHashMismatch, "",
			fmt.Sprintf("manifest hash %s does not match declared %s", result.ManifestSha256, strings.ToLower(expectedSha256)))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		result.fail(contracts.ManifestSchemaInvalid, "", fmt.Sprintf("manifest is not JSON: %v", err))
		return result.sorted(), nil
	}
	if err := manifestSchema.Validate(doc); err != nil {
		result.fail(contracts.ManifestSchemaInvalid, "", err.Error())
		return result.sorted(), nil
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		result.fail(contracts.ManifestSchemaInvalid, "", err.Error())
		return result.sorted(), nil
	}
	if err := validateFormat(&m); err != nil {
		result.fail(contracts.ManifestSchemaInvalid, "", err.Error())
		return result.sorted(), nil
	}
	result.Manifest = &m

	for _, artifact := range m.Artifacts {
		result.checkArtifact(runDir, artifact)
	}
	return result.sorted(), nil
}

// checkArtifact verifies path safety, existence, size, and hash for
// one declared artifact. Unsafe paths are rejected before any stat.
func (r *Result) checkArtifact(runDir string, artifact Artifact) {
	if !safeRelPath(artifact.Path) {
		r.fail(contracts.UnsafePath, artifact.Path, "path escapes the run directory")
		return
	}

	full := filepath.Join(runDir, filepath.FromSlash(artifact.Path))
	info, err := os.Stat(full)
	if err != nil {
		r.fail(contracts.ArtifactNotFound, artifact.Path, "artifact missing from run directory")
		return
	}
	if info.Size() != artifact.SizeBytes {
		r.fail(contracts.ArtifactSizeMismatch, artifact.Path,
			fmt.Sprintf("size %d does not match declared %d", info.Size(), artifact.SizeBytes))
		return
	}

	actual, err := hashFile(full)
	if err != nil {
		r.fail(contracts.ArtifactNotFound, artifact.Path, fmt.Sprintf("unreadable: %v", err))
		return
	}
	if !strings.EqualFold(actual, artifact.Sha256) {
		r.fail(contracts.ArtifactHashMismatch, artifact.Path,
			fmt.Sprintf("hash %s does not match declared %s", actual, strings.ToLower(artifact.Sha256)))
	}
}

// safeRelPath admits only forward-slash relative paths that stay
// inside the run directory.
func safeRelPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return false
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return false
		}
	}
	return filepath.IsLocal(filepath.FromSlash(path))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (r *Result) fail(code contracts.ManifestFailureCode, path, detail string) {
	r.Failures = append(r.Failures, contracts.ManifestVerificationError{Code: code, Path: path, Detail: detail})
}

func (r *Result) sorted() *Result {
	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].Code != r.Failures[j].Code {
			return r.Failures[i].Code < r.Failures[j].Code
		}
		return r.Failures[i].Path < r.Failures[j].Path
	})
	return r
}
