// Package identity tracks who agents are: it polls the on-chain agent
// registry into storage, fetches and validates agent cards over an
// SSRF-hardened HTTP client, and derives the ID_* signals the scoring
// pipeline consumes.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

// Fetch statuses.
const (
	FetchOK            = "OK"
	FetchUnreachable   = "UNREACHABLE"
	FetchInvalidSchema = "INVALID_SCHEMA"
	FetchTimeout       = "TIMEOUT"
	FetchSsrfBlocked   = "SSRF_BLOCKED"
)

// Resolver is the DNS surface the fetcher validates hosts through.
// net.DefaultResolver satisfies it; tests inject canned answers.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// FetcherConfig tunes one card fetcher.
type FetcherConfig struct {
	AllowHTTP    bool
	MaxRedirects int
	Timeout      time.Duration
	MaxBytes     int64
}

// FetchResult is the outcome of one card fetch. CardJSON and CardHash
// are set only on OK.
type FetchResult struct {
	Status     string
	CardHash   string
	CardJSON   string
	HTTPStatus int
	Error      string
}

const cardSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "url": {"type": "string"},
    "version": {"type": "string"},
    "capabilities": {"type": "object"},
    "skills": {"type": "array"}
  }
}`

var cardSchema = mustSchema("agent-card.schema.json", cardSchemaJSON)

func mustSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return schema
}

// Fetcher retrieves agent cards with scheme, DNS, redirect, size, and
// time bounds enforced before and during the request.
type Fetcher struct {
	cfg      FetcherConfig
	resolver Resolver
	client   *http.Client
}

// NewFetcher builds a fetcher. resolver may be nil for the system
// resolver; client may be nil for a default client. The client's
// CheckRedirect is replaced so every hop is re-validated.
func NewFetcher(cfg FetcherConfig, resolver Resolver, client *http.Client) *Fetcher {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if client == nil {
		client = &http.Client{}
	}

	f := &Fetcher{cfg: cfg, resolver: resolver, client: client}
	client.Timeout = cfg.Timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
		}
		return f.validateURL(req.Context(), req.URL)
	}
	return f
}

// Fetch retrieves and validates the card at rawURL. The result status
// is always one of the five fetch statuses; errors never escape as
// Go errors so callers can persist the outcome uniformly.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) FetchResult {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{Status: FetchSsrfBlocked, Error: fmt.Sprintf("unparseable url: %v", err)}
	}
	if err := f.validateURL(ctx, parsed); err != nil {
		return FetchResult{Status: FetchSsrfBlocked, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{Status: FetchUnreachable, Error: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return FetchResult{Status: FetchTimeout, Error: err.Error()}
		}
		// A redirect hop that failed validation surfaces through the
		// client as a wrapped url.Error.
		var sb *contracts.SsrfBlockedError
		if errors.As(err, &sb) {
			return FetchResult{Status: FetchSsrfBlocked, Error: sb.Error()}
		}
		return FetchResult{Status: FetchUnreachable, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FetchResult{Status: FetchUnreachable, HTTPStatus: resp.StatusCode,
			Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	// Read one byte past the cap to distinguish exactly-max from over.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return FetchResult{Status: FetchTimeout, HTTPStatus: resp.StatusCode, Error: err.Error()}
		}
		return FetchResult{Status: FetchUnreachable, HTTPStatus: resp.StatusCode, Error: err.Error()}
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return FetchResult{Status: FetchUnreachable, HTTPStatus: resp.StatusCode,
			Error: fmt.Sprintf("body exceeds %d bytes", f.cfg.MaxBytes)}
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return FetchResult{Status: FetchInvalidSchema, HTTPStatus: resp.StatusCode,
			Error: fmt.Sprintf("not JSON: %v", err)}
	}
	if err := cardSchema.Validate(doc); err != nil {
		return FetchResult{Status: FetchInvalidSchema, HTTPStatus: resp.StatusCode, Error: err.Error()}
	}

	sum := sha256.Sum256(body)
	return FetchResult{
		Status:     FetchOK,
		CardHash:   hex.EncodeToString(sum[:]),
		CardJSON:   string(body),
		HTTPStatus: resp.StatusCode,
	}
}

// validateURL enforces the scheme policy and resolves the host,
// rejecting private, loopback, link-local, and unspecified addresses.
// Called for the initial URL and again on every redirect hop.
func (f *Fetcher) validateURL(ctx context.Context, u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if !f.cfg.AllowHTTP {
			return &contracts.SsrfBlockedError{URL: u.String(), Host: u.Hostname()}
		}
	default:
		return &contracts.SsrfBlockedError{URL: u.String(), Host: u.Hostname()}
	}

	host := u.Hostname()
	if host == "" {
		return &contracts.SsrfBlockedError{URL: u.String()}
	}
	if ip := net.ParseIP(host); ip != nil {
		if privateIP(ip) {
			return &contracts.SsrfBlockedError{URL: u.String(), Host: host, IP: ip.String()}
		}
		return nil
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, addr := range addrs {
		if privateIP(addr.IP) {
			return &contracts.SsrfBlockedError{URL: u.String(), Host: host, IP: addr.IP.String()}
		}
	}
	return nil
}

// privateIP covers loopback, link-local, RFC1918/ULA, and 0.0.0.0.
func privateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "Client.Timeout")
}
