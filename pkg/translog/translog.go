// Package translog is the append-only transparency log: every risk
// report gets an Ed25519-signed leaf with a content-addressed ID, one
// NDJSON line per leaf, verifiable offline against the public key.
package translog

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mindburn-Labs/watchtower/pkg/canonicaljson"
	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// keyFile is the on-disk key format. The private key field holds the
// 32-byte Ed25519 seed, not the expanded key.
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// LoadOrCreateKey returns the signing key at path, generating and
// persisting a fresh one when the file does not exist. Created files
// are 0600 inside 0700 directories.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(raw, &kf); err != nil {
			return nil, fmt.Errorf("translog: key file %s: %w", path, err)
		}
		seed, err := base64.StdEncoding.DecodeString(kf.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("translog: key file %s: %w", path, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("translog: key file %s: seed is %d bytes, want %d",
				path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("translog: read key %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("translog: generate key: %w", err)
	}
	kf := keyFile{
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}
	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("translog: create key dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("translog: write key %s: %w", path, err)
	}
	return priv, nil
}

// LeafInput is what a new leaf is minted from.
type LeafInput struct {
	AgentID        string
	RiskReportHash string
	OverallRisk    int
	GeneratedAt    int64
	ReceiptID      string
	RunID          string
}

// leafIDInput is the hashed identity of a leaf. WrittenAt and the
// signature stay outside so re-minting the same report reproduces the
// same ID.
type leafIDInput struct {
	AgentID        string `json:"agentId"`
	LeafVersion    string `json:"leafVersion"`
	OverallRisk    int    `json:"overallRisk"`
	ReceiptID      string `json:"receiptId,omitempty"`
	RiskReportHash string `json:"riskReportHash"`
	RunID          string `json:"runId,omitempty"`
}

// signedPayload is what the Ed25519 signature covers.
type signedPayload struct {
	AgentID        string `json:"agentId"`
	GeneratedAt    int64  `json:"generatedAt"`
	ReportVersion  string `json:"reportVersion"`
	RiskReportHash string `json:"riskReportHash"`
}

// Log mints and appends transparency leaves under one directory.
type Log struct {
	dir   string
	key   ed25519.PrivateKey
	clock func() time.Time
}

// New opens the log at dir with the given signing key.
func New(dir string, key ed25519.PrivateKey) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("translog: create log dir: %w", err)
	}
	return &Log{dir: dir, key: key, clock: time.Now}, nil
}

// WithClock replaces the wall clock.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// PublicKey returns the base64 verification key.
func (l *Log) PublicKey() string {
	return base64.StdEncoding.EncodeToString(l.key.Public().(ed25519.PublicKey))
}

// CreateLeaf mints a signed leaf for one risk report.
func (l *Log) CreateLeaf(in LeafInput) (contracts.TransparencyLeaf, error) {
	leafID, err := canonicaljson.Hash(leafIDInput{
		AgentID:        in.AgentID,
		LeafVersion:    contracts.LeafVersion,
		OverallRisk:    in.OverallRisk,
		ReceiptID:      in.ReceiptID,
		RiskReportHash: in.RiskReportHash,
		RunID:          in.RunID,
	})
	if err != nil {
		return contracts.TransparencyLeaf{}, err
	}
	payload, err := canonicaljson.Marshal(signedPayload{
		AgentID:        in.AgentID,
		GeneratedAt:    in.GeneratedAt,
		ReportVersion:  contracts.ReportVersion,
		RiskReportHash: in.RiskReportHash,
	})
	if err != nil {
		return contracts.TransparencyLeaf{}, err
	}
	return contracts.TransparencyLeaf{
		LeafID:         leafID,
		LeafVersion:    contracts.LeafVersion,
		AgentID:        in.AgentID,
		RiskReportHash: in.RiskReportHash,
		OverallRisk:    in.OverallRisk,
		ReportVersion:  contracts.ReportVersion,
		GeneratedAt:    in.GeneratedAt,
		ReceiptID:      in.ReceiptID,
		RunID:          in.RunID,
		WrittenAt:      l.clock().UTC().Unix(),
		WatchtowerSig:  base64.StdEncoding.EncodeToString(ed25519.Sign(l.key, payload)),
	}, nil
}

// Append writes one leaf line into the day file named after the leaf's
// WrittenAt date.
func (l *Log) Append(leaf contracts.TransparencyLeaf) error {
	line, err := json.Marshal(leaf)
	if err != nil {
		return err
	}
	day := time.Unix(leaf.WrittenAt, 0).UTC().Format("2006-01-02")
	path := filepath.Join(l.dir, fmt.Sprintf("leaves-%s.ndjson", day))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("translog: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("translog: append %s: %w", path, err)
	}
	return f.Sync()
}

// Status summarises the log for the API surface.
type Status struct {
	PublicKey string `json:"publicKey"`
	Files     int    `json:"files"`
	Leaves    int    `json:"leaves"`
}

// Status counts log files and leaf lines.
func (l *Log) Status() (Status, error) {
	files, err := l.logFiles()
	if err != nil {
		return Status{}, err
	}
	st := Status{PublicKey: l.PublicKey(), Files: len(files)}
	for _, path := range files {
		leaves, err := readLeafLines(path)
		if err != nil {
			return Status{}, err
		}
		st.Leaves += len(leaves)
	}
	return st, nil
}

// Leaves returns every leaf line across the log in file order. Lines
// that fail to parse are skipped here; VerifyFile reports them.
func (l *Log) Leaves() ([]contracts.TransparencyLeaf, error) {
	files, err := l.logFiles()
	if err != nil {
		return nil, err
	}
	var out []contracts.TransparencyLeaf
	for _, path := range files {
		lines, err := readLeafLines(path)
		if err != nil {
			return nil, err
		}
		for _, raw := range lines {
			var leaf contracts.TransparencyLeaf
			if err := json.Unmarshal(raw, &leaf); err != nil {
				continue
			}
			out = append(out, leaf)
		}
	}
	return out, nil
}

// Files lists the log's day files in date order.
func (l *Log) Files() ([]string, error) {
	return l.logFiles()
}

// LeavesForDate returns the leaves of one day file. A missing file is
// an empty day, not an error.
func (l *Log) LeavesForDate(date string) ([]contracts.TransparencyLeaf, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("leaves-%s.ndjson", date))
	lines, err := readLeafLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []contracts.TransparencyLeaf
	for _, raw := range lines {
		var leaf contracts.TransparencyLeaf
		if err := json.Unmarshal(raw, &leaf); err != nil {
			continue
		}
		out = append(out, leaf)
	}
	return out, nil
}

// Verify runs offline verification of one day file against this log's
// own key.
func (l *Log) Verify(path string) (Report, error) {
	return VerifyFile(path, l.key.Public().(ed25519.PublicKey))
}

func (l *Log) logFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "leaves-*.ndjson"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func readLeafLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Report is the outcome of offline verification of one log file.
type Report struct {
	Total   int      `json:"totalLeaves"`
	Valid   int      `json:"validLeaves"`
	Invalid int      `json:"invalidLeaves"`
	Errors  []string `json:"errors,omitempty"`
}

// VerifyFile recomputes every leaf ID and signature in the file
// against the given public key. Tampering with any hashed field shows
// up as a leafId mismatch; tampering with the signed payload fields
// shows up as an invalid signature.
func VerifyFile(path string, pub ed25519.PublicKey) (Report, error) {
	lines, err := readLeafLines(path)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i, raw := range lines {
		report.Total++
		var leaf contracts.TransparencyLeaf
		if err := json.Unmarshal(raw, &leaf); err != nil {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: PARSE_ERROR: %v", i+1, err))
			continue
		}

		wantID, err := canonicaljson.Hash(leafIDInput{
			AgentID:        leaf.AgentID,
			LeafVersion:    leaf.LeafVersion,
			OverallRisk:    leaf.OverallRisk,
			ReceiptID:      leaf.ReceiptID,
			RiskReportHash: leaf.RiskReportHash,
			RunID:          leaf.RunID,
		})
		if err != nil {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		if wantID != leaf.LeafID {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: leafId mismatch", i+1))
			continue
		}

		payload, err := canonicaljson.Marshal(signedPayload{
			AgentID:        leaf.AgentID,
			GeneratedAt:    leaf.GeneratedAt,
			ReportVersion:  leaf.ReportVersion,
			RiskReportHash: leaf.RiskReportHash,
		})
		if err != nil {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(leaf.WatchtowerSig)
		if err != nil || !ed25519.Verify(pub, payload, sig) {
			report.Invalid++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: signature invalid", i+1))
			continue
		}
		report.Valid++
	}
	return report, nil
}
