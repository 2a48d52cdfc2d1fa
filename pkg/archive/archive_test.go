package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

var sweepNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

// flakyBlob fails the first failures Put calls, then stores in memory.
type flakyBlob struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures int
	puts     int
}

func newFlakyBlob(failures int) *flakyBlob {
	return &flakyBlob{objects: make(map[string][]byte), failures: failures}
}

func (b *flakyBlob) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.puts <= b.failures {
		return fmt.Errorf("bucket unavailable")
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *flakyBlob) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, &contracts.NotFoundError{Kind: "blob", Key: key}
	}
	return data, nil
}

func (b *flakyBlob) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func newArchiver(t *testing.T, blob Blob) (*Archiver, string, string) {
	t.Helper()
	root := t.TempDir()
	evDir := filepath.Join(root, "evidence")
	tlDir := filepath.Join(root, "translog")
	require.NoError(t, os.MkdirAll(evDir, 0o700))
	require.NoError(t, os.MkdirAll(tlDir, 0o700))

	a, err := New(Config{EvidenceDir: evDir, TranslogDir: tlDir}, blob, nil)
	require.NoError(t, err)
	return a.WithClock(func() time.Time { return sweepNow }), evDir, tlDir
}

func TestFSBlobRoundTrip(t *testing.T) {
	blob, err := NewFSBlob(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "evidence/evidence-2025-03-14.jsonl", []byte("line\n")))

	ok, err := blob.Exists(ctx, "evidence/evidence-2025-03-14.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := blob.Get(ctx, "evidence/evidence-2025-03-14.jsonl")
	require.NoError(t, err)
	assert.Equal(t, []byte("line\n"), data)

	_, err = blob.Get(ctx, "evidence/missing.jsonl")
	assert.True(t, contracts.IsNotFound(err))

	ok, err = blob.Exists(ctx, "evidence/missing.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSBlobRejectsEscapingKeys(t *testing.T) {
	blob, err := NewFSBlob(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, blob.Put(context.Background(), "../outside", []byte("x")))
	assert.Error(t, blob.Put(context.Background(), "/etc/passwd", []byte("x")))
}

func TestSweepUploadsClosedFilesExactlyOnce(t *testing.T) {
	blob := newFlakyBlob(0)
	a, evDir, tlDir := newArchiver(t, blob)

	writeFile(t, evDir, "evidence-2025-03-14.jsonl", "old\n")
	writeFile(t, evDir, "evidence-2025-03-14-1.jsonl", "old rotated\n")
	writeFile(t, evDir, "evidence-2025-03-15.jsonl", "live\n")
	writeFile(t, tlDir, "leaves-2025-03-14.ndjson", "leaf\n")
	writeFile(t, tlDir, "leaves-2025-03-15.ndjson", "live leaf\n")

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := blob.Get(context.Background(), "evidence/evidence-2025-03-14-1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, []byte("old rotated\n"), data)

	// Today's files are still being appended to.
	ok, _ := blob.Exists(context.Background(), "evidence/evidence-2025-03-15.jsonl")
	assert.False(t, ok)
	ok, _ = blob.Exists(context.Background(), "translog/leaves-2025-03-15.ndjson")
	assert.False(t, ok)

	// Nothing new: the uploaded-set suppresses re-uploads.
	n, err = a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, blob.puts)
}

func TestSweepShipsSameDayRotationsBehindWriteTarget(t *testing.T) {
	blob := newFlakyBlob(0)
	a, evDir, _ := newArchiver(t, blob)

	writeFile(t, evDir, "evidence-2025-03-15.jsonl", "full\n")
	writeFile(t, evDir, "evidence-2025-03-15-1.jsonl", "current\n")

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, _ := blob.Exists(context.Background(), "evidence/evidence-2025-03-15.jsonl")
	assert.True(t, ok)
	ok, _ = blob.Exists(context.Background(), "evidence/evidence-2025-03-15-1.jsonl")
	assert.False(t, ok)
}

func TestSweepRetriesFailedUploadsNextSweep(t *testing.T) {
	blob := newFlakyBlob(1)
	a, evDir, _ := newArchiver(t, blob)

	writeFile(t, evDir, "evidence-2025-03-14.jsonl", "old\n")

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed upload is skipped, not fatal")

	n, err = a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, _ := blob.Exists(context.Background(), "evidence/evidence-2025-03-14.jsonl")
	assert.True(t, ok)
}

func TestUploadedSetSurvivesRestart(t *testing.T) {
	blob := newFlakyBlob(0)
	a, evDir, tlDir := newArchiver(t, blob)

	writeFile(t, evDir, "evidence-2025-03-14.jsonl", "old\n")
	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A fresh archiver reloads the state file and does not re-upload.
	restarted, err := New(Config{EvidenceDir: evDir, TranslogDir: tlDir}, blob, nil)
	require.NoError(t, err)
	n, err = restarted.WithClock(func() time.Time { return sweepNow }).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, blob.puts)
}

func TestRunStopsOnCancel(t *testing.T) {
	blob := newFlakyBlob(0)
	a, evDir, _ := newArchiver(t, blob)
	a.cfg.Interval = 5 * time.Millisecond
	writeFile(t, evDir, "evidence-2025-03-14.jsonl", "old\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		ok, _ := blob.Exists(context.Background(), "evidence/evidence-2025-03-14.jsonl")
		return ok
	}, time.Second, 2*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
}
