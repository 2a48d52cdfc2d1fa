package cursor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func TestEmptyCursor(t *testing.T) {
	s, err := New(t.TempDir(), "11155111")
	require.NoError(t, err)
	_, ok := s.Last()
	assert.False(t, ok)
}

func TestUpdateAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "11155111")
	require.NoError(t, err)
	require.NoError(t, s.Update(contracts.NewBigInt(1000)))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "1000", last.String())

	reopened, err := New(dir, "11155111")
	require.NoError(t, err)
	last, ok = reopened.Last()
	require.True(t, ok)
	assert.Equal(t, "1000", last.String())
}

func TestMonotonicity(t *testing.T) {
	s, err := New(t.TempDir(), "1")
	require.NoError(t, err)
	require.NoError(t, s.Update(contracts.NewBigInt(500)))

	err = s.Update(contracts.NewBigInt(499))
	require.Error(t, err)
	assert.True(t, contracts.IsValidation(err))

	// Equal writes are idempotent.
	require.NoError(t, s.Update(contracts.NewBigInt(500)))

	require.NoError(t, s.Update(contracts.NewBigInt(501)))
	last, _ := s.Last()
	assert.Equal(t, "501", last.String())
}

func TestChainIDMismatchTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "1")
	require.NoError(t, err)
	require.NoError(t, s.Update(contracts.NewBigInt(42)))

	// Same state dir, different chain: the stored cursor must not leak.
	other, err := New(dir, "10")
	require.NoError(t, err)
	_, ok := other.Last()
	assert.False(t, ok)

	// A file renamed across chains is also ignored.
	data, err := os.ReadFile(filepath.Join(dir, "cursor-1.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cursor-10.json"), data, 0o600))
	crosswired, err := New(dir, "10")
	require.NoError(t, err)
	_, ok = crosswired.Last()
	assert.False(t, ok, "stored chainId differs, cursor must be treated as empty")
}

func TestRangeWithoutCursor(t *testing.T) {
	start, end, ok := Range(nil, false, contracts.NewBigInt(10_000), 1000, 6)
	require.True(t, ok)
	assert.Equal(t, "9000", start.String())
	assert.Equal(t, "9994", end.String())
}

func TestRangeWithoutCursorClampsToGenesis(t *testing.T) {
	start, end, ok := Range(nil, false, contracts.NewBigInt(500), 1000, 6)
	require.True(t, ok)
	assert.Equal(t, "1", start.String())
	assert.Equal(t, "494", end.String())
}

func TestRangeWithCursor(t *testing.T) {
	start, end, ok := Range(contracts.NewBigInt(9000), true, contracts.NewBigInt(10_000), 1000, 6)
	require.True(t, ok)
	assert.Equal(t, "9001", start.String())
	assert.Equal(t, "9994", end.String())
}

func TestRangeCursorAheadOfSafeClamps(t *testing.T) {
	start, end, ok := Range(contracts.NewBigInt(100), true, contracts.NewBigInt(103), 1000, 6)
	require.True(t, ok)
	assert.Equal(t, "97", start.String())
	assert.Equal(t, "97", end.String())
}

func TestRangeSkipsYoungChain(t *testing.T) {
	_, _, ok := Range(nil, false, contracts.NewBigInt(4), 1000, 6)
	assert.False(t, ok, "no confirmed blocks yet, tick must be skipped")
}
