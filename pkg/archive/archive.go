package archive

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Config tunes the sweeper.
type Config struct {
	// EvidenceDir holds evidence-YYYY-MM-DD[-N].jsonl files.
	EvidenceDir string
	// TranslogDir holds leaves-YYYY-MM-DD.ndjson files.
	TranslogDir string
	// StateFile records the names already uploaded, one per line.
	// Defaults to .archived inside EvidenceDir.
	StateFile string
	// Interval between sweeps. Defaults to one hour.
	Interval time.Duration
}

// Archiver uploads closed local files exactly once. A file is closed
// when the store will never append to it again: every evidence file
// behind the current write target, and transparency logs from previous
// days. Upload failures are logged and retried on the next sweep.
type Archiver struct {
	cfg    Config
	blob   Blob
	logger *slog.Logger
	clock  func() time.Time

	uploaded map[string]bool
}

// New loads the uploaded-set from the state file.
func New(cfg Config, blob Blob, logger *slog.Logger) (*Archiver, error) {
	if cfg.EvidenceDir == "" && cfg.TranslogDir == "" {
		return nil, fmt.Errorf("archive: nothing to watch")
	}
	if cfg.StateFile == "" {
		dir := cfg.EvidenceDir
		if dir == "" {
			dir = cfg.TranslogDir
		}
		cfg.StateFile = filepath.Join(dir, ".archived")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		cfg:      cfg,
		blob:     blob,
		logger:   logger,
		clock:    time.Now,
		uploaded: make(map[string]bool),
	}
	if err := a.loadState(); err != nil {
		return nil, err
	}
	return a, nil
}

// WithClock fixes time for tests.
func (a *Archiver) WithClock(clock func() time.Time) *Archiver {
	a.clock = clock
	return a
}

// Run sweeps until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.Info("archiver started", "interval", a.cfg.Interval)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := a.Sweep(ctx); err != nil {
			a.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			a.logger.Info("sweep complete", "uploaded", n)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep uploads every closed file not yet in the uploaded-set and
// returns the number shipped. Per-file failures are logged, skipped,
// and picked up again next sweep.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	candidates, err := a.candidates()
	if err != nil {
		return 0, err
	}

	var shipped int
	for _, c := range candidates {
		name := filepath.Base(c.path)
		if a.uploaded[name] {
			continue
		}
		data, err := os.ReadFile(c.path)
		if err != nil {
			a.logger.Error("archive read failed", "file", name, "error", err)
			continue
		}
		if err := a.blob.Put(ctx, c.key, data); err != nil {
			a.logger.Error("archive upload failed", "file", name, "error", err)
			continue
		}
		if err := a.markUploaded(name); err != nil {
			return shipped, err
		}
		shipped++
	}
	return shipped, nil
}

type candidate struct {
	path string
	key  string
}

// candidates lists closed files in upload order.
func (a *Archiver) candidates() ([]candidate, error) {
	today := a.clock().UTC().Format("2006-01-02")
	var out []candidate

	if a.cfg.EvidenceDir != "" {
		files, err := filepath.Glob(filepath.Join(a.cfg.EvidenceDir, "evidence-*.jsonl"))
		if err != nil {
			return nil, &contracts.IOError{Op: "list evidence files", Path: a.cfg.EvidenceDir, Err: err}
		}
		sort.Slice(files, func(i, j int) bool {
			di, ni := evidenceStem(files[i])
			dj, nj := evidenceStem(files[j])
			if di != dj {
				return di < dj
			}
			return ni < nj
		})
		for i, f := range files {
			date, _ := evidenceStem(f)
			// The last file in rotation order is still the write
			// target unless its day is over.
			if i == len(files)-1 && date >= today {
				continue
			}
			out = append(out, candidate{path: f, key: "evidence/" + filepath.Base(f)})
		}
	}

	if a.cfg.TranslogDir != "" {
		files, err := filepath.Glob(filepath.Join(a.cfg.TranslogDir, "leaves-*.ndjson"))
		if err != nil {
			return nil, &contracts.IOError{Op: "list transparency logs", Path: a.cfg.TranslogDir, Err: err}
		}
		sort.Strings(files)
		for _, f := range files {
			date := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), "leaves-"), ".ndjson")
			if date >= today {
				continue
			}
			out = append(out, candidate{path: f, key: "translog/" + filepath.Base(f)})
		}
	}
	return out, nil
}

func (a *Archiver) loadState() error {
	f, err := os.Open(a.cfg.StateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &contracts.IOError{Op: "open archive state", Path: a.cfg.StateFile, Err: err}
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			a.uploaded[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return &contracts.IOError{Op: "read archive state", Path: a.cfg.StateFile, Err: err}
	}
	return nil
}

func (a *Archiver) markUploaded(name string) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.StateFile), 0o700); err != nil {
		return &contracts.IOError{Op: "create state dir", Path: filepath.Dir(a.cfg.StateFile), Err: err}
	}
	f, err := os.OpenFile(a.cfg.StateFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return &contracts.IOError{Op: "open archive state", Path: a.cfg.StateFile, Err: err}
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(name + "\n"); err != nil {
		return &contracts.IOError{Op: "append archive state", Path: a.cfg.StateFile, Err: err}
	}
	a.uploaded[name] = true
	return nil
}

// evidenceStem decomposes evidence-YYYY-MM-DD[-N].jsonl into its date
// and rotation index.
func evidenceStem(path string) (date string, n int) {
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
