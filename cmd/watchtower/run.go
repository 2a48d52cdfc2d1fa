package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/watchtower/pkg/translog"
)

const version = "0.1.0"

// runServe is swapped out by tests.
var runServe = serve

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	// A missing .env is the normal case outside local dev.
	_ = godotenv.Load()
	logger := newLogger(stderr)

	if len(args) < 2 {
		return runServe(logger, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(logger, stderr)
	case "scan":
		return runScanCmd(args[2:], logger, stdout, stderr)
	case "verify-log":
		return runVerifyLogCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "watchtower %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(logger, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: watchtower [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Run the scan loop and the HTTP API (default)")
	fmt.Fprintln(w, "  scan             Run one scan tick, print its report, and exit")
	fmt.Fprintln(w, "  verify-log       Verify a transparency log file offline")
	fmt.Fprintln(w, "  keygen           Create or load the signing key and print its public key")
	fmt.Fprintln(w, "  version          Print the version")
	fmt.Fprintln(w, "  help             Print this help")
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runVerifyLogCmd checks every leaf of one transparency log file
// against the given public key.
//
// Exit codes:
//
//	0 = all leaves valid
//	1 = one or more invalid or unparseable leaves
//	2 = runtime error
func runVerifyLogCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-log", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file   string
		pubkey string
	)
	cmd.StringVar(&file, "file", "", "Path to a leaves-YYYY-MM-DD.ndjson file (required)")
	cmd.StringVar(&pubkey, "pubkey", "", "Base64-encoded Ed25519 public key (required)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" || pubkey == "" {
		fmt.Fprintln(stderr, "verify-log: --file and --pubkey are required")
		return 2
	}

	pub, err := base64.StdEncoding.DecodeString(pubkey)
	if err != nil || len(pub) != 32 {
		fmt.Fprintln(stderr, "verify-log: --pubkey is not a base64 Ed25519 public key")
		return 2
	}

	report, err := translog.VerifyFile(file, pub)
	if err != nil {
		fmt.Fprintf(stderr, "verify-log: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "total=%d valid=%d invalid=%d\n", report.Total, report.Valid, report.Invalid)
	for _, e := range report.Errors {
		fmt.Fprintln(stderr, e)
	}
	if report.Invalid > 0 {
		return 1
	}
	return 0
}

// runKeygenCmd creates the signing key if absent and prints its public
// key, the value verifiers pass to verify-log.
func runKeygenCmd(stdout, stderr io.Writer) int {
	path := os.Getenv("WATCHTOWER_KEY_PATH")
	if path == "" {
		path = "watchtower.key"
	}
	key, err := translog.LoadOrCreateKey(path)
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 2
	}
	pub := key.Public().(ed25519.PublicKey)
	fmt.Fprintf(stdout, "key: %s\npublic: %s\n", path, base64.StdEncoding.EncodeToString(pub))
	return 0
}

// runScanCmd boots just enough of the pipeline for one tick and prints
// the report as JSON.
func runScanCmd(args []string, logger *slog.Logger, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		lookback int64
		ruleCSV  string
	)
	cmd.Int64Var(&lookback, "lookback", 0, "Scan this many blocks back from the tip instead of the cursor")
	cmd.StringVar(&ruleCSV, "rules", "", "Comma-separated rule IDs to run (default: all enabled)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var ruleIDs []string
	for _, id := range strings.Split(ruleCSV, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ruleIDs = append(ruleIDs, id)
		}
	}

	report, err := scanOnce(context.Background(), logger, ruleIDs, lookback)
	if err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(stderr, "scan: %v\n", err)
		return 1
	}
	return 0
}
