// Package webhook delivers signed event notifications and verifies
// their signatures on the receiving side. Payloads are HMAC-SHA256
// signed over "<timestamp>.<body>" so receivers can reject both forged
// and replayed deliveries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/watchtower/pkg/resilience"
)

// Delivery headers.
const (
	HeaderSignature  = "X-Watchtower-Signature"
	HeaderDeliveryID = "X-Watchtower-Delivery-Id"
	HeaderEvent      = "X-Watchtower-Event"
)

// Envelope is the wire shape of one delivery.
type Envelope struct {
	Event      string `json:"event"`
	DeliveryID string `json:"deliveryId"`
	Timestamp  int64  `json:"timestamp"`
	Data       any    `json:"data"`
}

// Config tunes one notifier.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retry   *resilience.RetryConfig
}

// Notifier posts signed events to one endpoint. A nil *Notifier is a
// no-op so callers can wire it unconditionally.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewNotifier builds a notifier. client may be nil for a default one.
func NewNotifier(cfg Config, client *http.Client, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = &resilience.RetryConfig{
			MaxRetries: 3, BaseDelay: 200 * time.Millisecond,
			MaxDelay: 5 * time.Second, JitterFactor: 0.2,
		}
	}
	if client == nil {
		client = &http.Client{}
	}
	client.Timeout = cfg.Timeout
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg: cfg, client: client, logger: logger,
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithClock replaces the wall clock.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// Sign computes the signature header value for body at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Send delivers one event, retrying transient failures. Non-2xx
// responses count as failures.
func (n *Notifier) Send(ctx context.Context, event string, data any) error {
	if n == nil || n.cfg.URL == "" {
		return nil
	}
	ts := n.clock().UTC().Unix()
	deliveryID := n.newID()
	body, err := json.Marshal(Envelope{
		Event: event, DeliveryID: deliveryID, Timestamp: ts, Data: data,
	})
	if err != nil {
		return fmt.Errorf("webhook: encode %s: %w", event, err)
	}
	signature := Sign(n.cfg.Secret, ts, body)

	res := resilience.Retry(ctx, *n.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderDeliveryID, deliveryID)
		req.Header.Set(HeaderEvent, event)

		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("webhook: %s returned %d", n.cfg.URL, resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if !res.Success {
		n.logger.Error("webhook delivery failed",
			"event", event, "deliveryId", deliveryID, "attempts", res.Attempts, "error", res.Err)
		return res.Err
	}
	n.logger.Debug("webhook delivered",
		"event", event, "deliveryId", deliveryID, "attempts", res.Attempts)
	return nil
}

// Heartbeat sends a periodic liveness event until ctx is cancelled.
// Intended to run as a goroutine; delivery failures are logged by Send
// and do not stop the loop.
func (n *Notifier) Heartbeat(ctx context.Context, interval time.Duration) {
	if n == nil || n.cfg.URL == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = n.Send(ctx, "watchtower.heartbeat", map[string]any{
				"at": n.clock().UTC().Format(time.RFC3339),
			})
		}
	}
}

// VerifierConfig tunes signature verification.
type VerifierConfig struct {
	Secret        string
	MaxAgeSeconds int64
	MaxSkewAhead  int64
}

// Verifier checks delivery signatures on the receiving side.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier builds a verifier with a 300s replay window and 60s
// tolerated clock skew.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.MaxAgeSeconds <= 0 {
		cfg.MaxAgeSeconds = 300
	}
	if cfg.MaxSkewAhead <= 0 {
		cfg.MaxSkewAhead = 60
	}
	return &Verifier{cfg: cfg}
}

// Verify checks header against body at wall time now. It fails on
// malformed headers, expired or future timestamps, and signature
// mismatches.
func (v *Verifier) Verify(body []byte, header string, now time.Time) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("webhook: bad timestamp: %w", err)
			}
			ts = parsed
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("webhook: malformed signature header")
	}

	age := now.UTC().Unix() - ts
	if age > v.cfg.MaxAgeSeconds {
		return fmt.Errorf("webhook: signature expired %ds ago", age-v.cfg.MaxAgeSeconds)
	}
	if -age > v.cfg.MaxSkewAhead {
		return fmt.Errorf("webhook: signature timestamp is in the future")
	}

	mac := hmac.New(sha256.New, []byte(v.cfg.Secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("webhook: bad signature encoding: %w", err)
	}
	if !hmac.Equal(want, got) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}
