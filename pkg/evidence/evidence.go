// Package evidence persists every finding and action result as
// append-only JSONL, one file per UTC date, rotated by size. The files
// are the audit record: they can be queried out of process and survive
// anything short of disk loss.
package evidence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// SchemaVersion is the evidence-line version this build writes. Readers
// skip lines with a higher version.
const SchemaVersion = 1

const (
	// LineTypeFinding and LineTypeAction are the known line types.
	LineTypeFinding = "finding"
	LineTypeAction  = "action"

	defaultMaxFileSize = 10 * 1024 * 1024
)

// Line is the wire shape of one JSONL record.
type Line struct {
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// Config tunes the store.
type Config struct {
	Dir              string
	MaxFileSizeBytes int64
	ValidateOnWrite  bool
}

// Store is the append-only evidence writer and reader. One writer per
// process; the rotation check and the append run under one lock. A nil
// *Store silently drops appends so callers can wire it unconditionally.
type Store struct {
	mu            sync.Mutex
	cfg           Config
	clock         func() time.Time
	logger        *slog.Logger
	findingSchema *jsonschema.Schema
	actionSchema  *jsonschema.Schema
}

// New builds a Store rooted at cfg.Dir, creating the directory and
// compiling the record schemas.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = defaultMaxFileSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, &contracts.IOError{Op: "mkdir evidence dir", Path: cfg.Dir, Err: err}
	}
	finding, action, err := compileSchemas()
	if err != nil {
		return nil, &contracts.FatalError{Stage: "evidence schema compile", Err: err}
	}
	return &Store{
		cfg:           cfg,
		clock:         time.Now,
		logger:        logger,
		findingSchema: finding,
		actionSchema:  action,
	}, nil
}

// WithClock replaces the date source used for file naming.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

// AppendFinding writes one finding record.
func (s *Store) AppendFinding(rec contracts.FindingRecord) error {
	return s.append(LineTypeFinding, rec, s.findingSchema)
}

// AppendAction writes one action-result record.
func (s *Store) AppendAction(rec contracts.ActionResultRecord) error {
	return s.append(LineTypeAction, rec, s.actionSchema)
}

func (s *Store) append(lineType string, rec any, schema *jsonschema.Schema) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", lineType, err)
	}

	if s.cfg.ValidateOnWrite {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("reparse %s record: %w", lineType, err)
		}
		if err := schema.Validate(v); err != nil {
			return &contracts.ValidationError{Field: lineType + " record", Msg: err.Error()}
		}
	}

	line, err := json.Marshal(Line{Type: lineType, SchemaVersion: SchemaVersion, Data: data})
	if err != nil {
		return fmt.Errorf("encode evidence line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.targetFile()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return &contracts.IOError{Op: "open evidence file", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &contracts.IOError{Op: "append evidence", Path: path, Err: err}
	}
	return nil
}

// targetFile picks the file for the next write: the date-stem file when
// absent or under the size cap, otherwise the first free -N suffix.
// Must be called with the lock held.
func (s *Store) targetFile() (string, error) {
	stem := fmt.Sprintf("evidence-%s", s.clock().UTC().Format("2006-01-02"))

	candidate := filepath.Join(s.cfg.Dir, stem+".jsonl")
	for n := 1; ; n++ {
		info, err := os.Stat(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", &contracts.IOError{Op: "stat evidence file", Path: candidate, Err: err}
		}
		if info.Size() < s.cfg.MaxFileSizeBytes {
			return candidate, nil
		}
		candidate = filepath.Join(s.cfg.Dir, fmt.Sprintf("%s-%d.jsonl", stem, n))
	}
}

// files lists evidence files in chronological order: by date stem, then
// by rotation index with the unsuffixed file first.
func (s *Store) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "evidence-*.jsonl"))
	if err != nil {
		return nil, &contracts.IOError{Op: "list evidence files", Path: s.cfg.Dir, Err: err}
	}
	sort.Slice(matches, func(i, j int) bool {
		di, ni := splitStem(matches[i])
		dj, nj := splitStem(matches[j])
		if di != dj {
			return di < dj
		}
		return ni < nj
	})
	return matches, nil
}

// splitStem decomposes evidence-YYYY-MM-DD[-N].jsonl into its date and
// rotation index (0 for the unsuffixed file).
func splitStem(path string) (date string, n int) {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	base = strings.TrimPrefix(base, "evidence-")
	if len(base) <= 10 {
		return base, 0
	}
	date = base[:10]
	if idx, err := strconv.Atoi(base[11:]); err == nil {
		n = idx
	}
	return date, n
}
