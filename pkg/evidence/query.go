package evidence

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Record is one parsed evidence line returned by queries. Exactly one
// of Finding and Action is set, matching Type.
type Record struct {
	Type    string
	Finding *contracts.FindingRecord
	Action  *contracts.ActionResultRecord
}

// Timestamp returns the record's own timestamp: createdAt for findings,
// timestamp for action results.
func (r Record) Timestamp() time.Time {
	if r.Finding != nil {
		return r.Finding.CreatedAt
	}
	if r.Action != nil {
		return r.Action.Timestamp
	}
	return time.Time{}
}

// Filter narrows a query. Filters intersect; zero values match
// everything. RuleID and Severity apply to findings only and exclude
// action records when set.
type Filter struct {
	Type      string
	ChainID   string
	ReceiptID string
	RuleID    string
	Severity  contracts.Severity
	StartDate time.Time
	EndDate   time.Time
	Offset    int
	Limit     int
}

// Query scans every evidence file in chronological order and returns
// the records passing the filter. Unparseable lines, unknown line
// types, and lines with a newer schemaVersion are skipped, so a reader
// racing the writer (or a newer build) sees a clean prefix.
func (s *Store) Query(f Filter) ([]Record, error) {
	var out []Record
	skipped := 0
	err := s.scan(func(rec Record) bool {
		if !matches(rec, f) {
			return true
		}
		if skipped < f.Offset {
			skipped++
			return true
		}
		out = append(out, rec)
		return f.Limit <= 0 || len(out) < f.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindingByID scans for the finding with the given id.
func (s *Store) FindingByID(id string) (*contracts.FindingRecord, error) {
	var found *contracts.FindingRecord
	err := s.scan(func(rec Record) bool {
		if rec.Finding != nil && rec.Finding.ID == id {
			found = rec.Finding
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &contracts.NotFoundError{Kind: "finding", Key: id}
	}
	return found, nil
}

// ActionsForFinding returns every action result recorded for findingID,
// in file order.
func (s *Store) ActionsForFinding(findingID string) ([]contracts.ActionResultRecord, error) {
	var out []contracts.ActionResultRecord
	err := s.scan(func(rec Record) bool {
		if rec.Action != nil && rec.Action.FindingID == findingID {
			out = append(out, *rec.Action)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats summarises the store contents.
type Stats struct {
	FileCount    int
	FindingCount int
	ActionCount  int
	OldestRecord time.Time
	NewestRecord time.Time
}

// Stats walks every file and counts records by type.
func (s *Store) Stats() (Stats, error) {
	files, err := s.files()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{FileCount: len(files)}
	err = s.scan(func(rec Record) bool {
		switch {
		case rec.Finding != nil:
			st.FindingCount++
		case rec.Action != nil:
			st.ActionCount++
		}
		ts := rec.Timestamp()
		if !ts.IsZero() {
			if st.OldestRecord.IsZero() || ts.Before(st.OldestRecord) {
				st.OldestRecord = ts
			}
			if ts.After(st.NewestRecord) {
				st.NewestRecord = ts
			}
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// scan feeds every valid record to fn in file order until fn returns
// false. A trailing partial line (a concurrent writer mid-append) fails
// to parse and is skipped like any other malformed line.
func (s *Store) scan(fn func(Record) bool) error {
	files, err := s.files()
	if err != nil {
		return err
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return &contracts.IOError{Op: "open evidence file", Path: path, Err: err}
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		stop := false
		for sc.Scan() {
			rec, ok := parseLine(sc.Bytes())
			if !ok {
				continue
			}
			if !fn(rec) {
				stop = true
				break
			}
		}
		scanErr := sc.Err()
		_ = f.Close()
		if scanErr != nil {
			return &contracts.IOError{Op: "read evidence file", Path: path, Err: scanErr}
		}
		if stop {
			return nil
		}
	}
	return nil
}

func parseLine(raw []byte) (Record, bool) {
	var line Line
	if err := json.Unmarshal(raw, &line); err != nil {
		return Record{}, false
	}
	if line.SchemaVersion > SchemaVersion {
		return Record{}, false
	}
	switch line.Type {
	case LineTypeFinding:
		var rec contracts.FindingRecord
		if err := json.Unmarshal(line.Data, &rec); err != nil {
			return Record{}, false
		}
		return Record{Type: line.Type, Finding: &rec}, true
	case LineTypeAction:
		var rec contracts.ActionResultRecord
		if err := json.Unmarshal(line.Data, &rec); err != nil {
			return Record{}, false
		}
		return Record{Type: line.Type, Action: &rec}, true
	default:
		return Record{}, false
	}
}

// matches applies the filter in a fixed order: type, chainId,
// receiptId, ruleId, severity, then the date range.
func matches(rec Record, f Filter) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	chainID, receiptID := "", ""
	if rec.Finding != nil {
		chainID = rec.Finding.ChainID
		receiptID = rec.Finding.ReceiptID
	} else if rec.Action != nil {
		chainID = rec.Action.ChainID
		receiptID = rec.Action.ReceiptID
	}
	if f.ChainID != "" && chainID != f.ChainID {
		return false
	}
	if f.ReceiptID != "" && !strings.EqualFold(receiptID, f.ReceiptID) {
		return false
	}
	if f.RuleID != "" {
		if rec.Finding == nil || rec.Finding.RuleID != f.RuleID {
			return false
		}
	}
	if f.Severity != "" {
		if rec.Finding == nil || rec.Finding.Severity != f.Severity {
			return false
		}
	}
	ts := rec.Timestamp()
	if !f.StartDate.IsZero() && ts.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && ts.After(f.EndDate) {
		return false
	}
	return true
}

