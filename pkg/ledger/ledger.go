// Package ledger persists the action idempotency ledger: one entry per
// receipt, forever. The executor consults it before acting and records
// into it after a live action succeeds, which makes tick replay after a
// crash safe.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Entry is one recorded action. Receipt IDs are stored lower-case;
// block numbers serialise as decimal strings.
type Entry struct {
	ReceiptID   string                 `json:"receiptId"`
	ActionType  contracts.LedgerAction `json:"actionType"`
	TxHash      string                 `json:"txHash"`
	BlockNumber *contracts.BigInt      `json:"blockNumber"`
	Timestamp   time.Time              `json:"timestamp"`
	FindingID   string                 `json:"findingId"`
}

// ActionLedger is a file-backed map of lower-cased receiptId → Entry.
// One exclusive writer per process; reads may run concurrently.
type ActionLedger struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	order   []string
	clock   func() time.Time
}

// New opens (or initialises) the ledger file at path.
func New(path string) (*ActionLedger, error) {
	l := &ActionLedger{
		path:    path,
		entries: make(map[string]Entry),
		clock:   time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock replaces the timestamp source.
func (l *ActionLedger) WithClock(clock func() time.Time) *ActionLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	return l
}

func normalizeReceipt(receiptID string) string {
	return strings.ToLower(strings.TrimSpace(receiptID))
}

// Record appends an entry for receiptID. A second call for the same
// receipt (compared case-insensitively) fails with
// ActionAlreadyRecordedError and leaves the ledger unchanged.
func (l *ActionLedger) Record(receiptID string, action contracts.LedgerAction, txHash string, block *contracts.BigInt, findingID string) error {
	key := normalizeReceipt(receiptID)
	if key == "" {
		return &contracts.ValidationError{Field: "receiptId", Msg: "empty receipt id"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[key]; exists {
		return &contracts.ActionAlreadyRecordedError{ReceiptID: key}
	}

	l.entries[key] = Entry{
		ReceiptID:   key,
		ActionType:  action,
		TxHash:      txHash,
		BlockNumber: block,
		Timestamp:   l.clock().UTC(),
		FindingID:   findingID,
	}
	l.order = append(l.order, key)
	if err := l.save(); err != nil {
		// Roll back the in-memory write so memory and disk agree.
		delete(l.entries, key)
		l.order = l.order[:len(l.order)-1]
		return err
	}
	return nil
}

// Has reports whether receiptID already has an entry.
func (l *ActionLedger) Has(receiptID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[normalizeReceipt(receiptID)]
	return ok
}

// Get returns the entry for receiptID.
func (l *ActionLedger) Get(receiptID string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[normalizeReceipt(receiptID)]
	return e, ok
}

// Size returns the number of recorded actions.
func (l *ActionLedger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns all entries in record order.
func (l *ActionLedger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, l.entries[key])
	}
	return out
}

func (l *ActionLedger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &contracts.IOError{Op: "read ledger", Path: l.path, Err: err}
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return &contracts.IOError{Op: "parse ledger", Path: l.path, Err: err}
	}
	for _, e := range list {
		key := normalizeReceipt(e.ReceiptID)
		if _, exists := l.entries[key]; exists {
			continue
		}
		e.ReceiptID = key
		l.entries[key] = e
		l.order = append(l.order, key)
	}
	return nil
}

// save writes the whole ledger atomically. Must be called with the
// write lock held.
func (l *ActionLedger) save() error {
	list := make([]Entry, 0, len(l.order))
	for _, key := range l.order {
		list = append(list, l.entries[key])
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &contracts.IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &contracts.IOError{Op: "write ledger", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return &contracts.IOError{Op: "rename ledger", Path: l.path, Err: err}
	}
	return nil
}
