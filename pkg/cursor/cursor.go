// Package cursor persists the per-chain block cursor that makes the
// polling loop resumable. The cursor is monotonic non-decreasing and
// scoped to a chain: state written for one chain is never applied to
// another.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

type fileState struct {
	LastProcessedBlock string    `json:"lastProcessedBlock"`
	UpdatedAt          time.Time `json:"updatedAt"`
	ChainID            string    `json:"chainId"`
}

// Store holds one chain's cursor, backed by a JSON file in the state
// directory. Exactly one writer per chain touches a Store.
type Store struct {
	mu      sync.Mutex
	path    string
	chainID string
	last    *contracts.BigInt
	clock   func() time.Time
}

// New loads (or initialises) the cursor for chainID under stateDir. A
// stored file whose chainId differs from the configured one is treated
// as empty rather than cross-wiring two chains.
func New(stateDir, chainID string) (*Store, error) {
	s := &Store{
		path:    filepath.Join(stateDir, fmt.Sprintf("cursor-%s.json", chainID)),
		chainID: chainID,
		clock:   time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock replaces the updatedAt source.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// Last returns the last processed block and whether a cursor exists.
func (s *Store) Last() (*contracts.BigInt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, false
	}
	return contracts.FromBig(s.last.Big()), true
}

// Update advances the cursor to block. Writes that move the cursor
// backwards fail; writing the current value again is a no-op.
func (s *Store) Update(block *contracts.BigInt) error {
	if block == nil {
		return &contracts.ValidationError{Field: "block", Msg: "nil block"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil {
		switch block.Cmp(s.last) {
		case -1:
			return &contracts.ValidationError{
				Field: "lastProcessedBlock",
				Msg:   fmt.Sprintf("cursor regression: %s < %s", block, s.last),
			}
		case 0:
			return nil
		}
	}
	prev := s.last
	s.last = contracts.FromBig(block.Big())
	if err := s.save(); err != nil {
		s.last = prev
		return err
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &contracts.IOError{Op: "read cursor", Path: s.path, Err: err}
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return &contracts.IOError{Op: "parse cursor", Path: s.path, Err: err}
	}
	if st.ChainID != s.chainID {
		return nil
	}
	last, err := contracts.NewBigIntFromString(st.LastProcessedBlock)
	if err != nil {
		return &contracts.IOError{Op: "parse cursor block", Path: s.path, Err: err}
	}
	s.last = last
	return nil
}

// save must be called with the lock held.
func (s *Store) save() error {
	st := fileState{
		LastProcessedBlock: s.last.String(),
		UpdatedAt:          s.clock().UTC(),
		ChainID:            s.chainID,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &contracts.IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &contracts.IOError{Op: "write cursor", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &contracts.IOError{Op: "rename cursor", Path: s.path, Err: err}
	}
	return nil
}

// Range computes the scan window for one tick:
//
//	safe  = tip − confirmations
//	start = cursor+1 when a cursor exists, else max(tip − lookback, 1)
//	start = min(start, safe)
//	end   = safe
//
// ok is false when start > end, meaning there is nothing to scan yet.
func Range(last *contracts.BigInt, hasLast bool, tip *contracts.BigInt, lookback, confirmations int64) (start, end *contracts.BigInt, ok bool) {
	safe := tip.Add(-confirmations)

	if hasLast {
		start = last.Add(1)
	} else {
		start = tip.Add(-lookback)
		if start.Cmp(contracts.NewBigInt(1)) < 0 {
			start = contracts.NewBigInt(1)
		}
	}
	if start.Cmp(safe) > 0 {
		start = safe
	}
	end = safe

	if start.Cmp(end) > 0 || end.Cmp(contracts.NewBigInt(1)) < 0 {
		return nil, nil, false
	}
	return start, end, true
}
