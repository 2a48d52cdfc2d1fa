package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/resilience"
)

var hookNow = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestSendDeliversSignedEnvelope(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := NewNotifier(Config{URL: server.URL, Secret: "s3cret", Retry: fastRetry()}, nil, nil).
		WithClock(func() time.Time { return hookNow })

	require.NoError(t, n.Send(context.Background(), "finding.created", map[string]any{"findingId": "f-1"}))

	var env Envelope
	require.NoError(t, json.Unmarshal(gotBody, &env))
	assert.Equal(t, "finding.created", env.Event)
	assert.Equal(t, hookNow.Unix(), env.Timestamp)
	assert.NotEmpty(t, env.DeliveryID)

	assert.Equal(t, env.DeliveryID, gotHeader.Get(HeaderDeliveryID))
	assert.Equal(t, "finding.created", gotHeader.Get(HeaderEvent))
	assert.Equal(t, Sign("s3cret", hookNow.Unix(), gotBody), gotHeader.Get(HeaderSignature))

	v := NewVerifier(VerifierConfig{Secret: "s3cret"})
	assert.NoError(t, v.Verify(gotBody, gotHeader.Get(HeaderSignature), hookNow))
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(Config{URL: server.URL, Secret: "s", Retry: fastRetry()}, nil, nil)
	require.NoError(t, n.Send(context.Background(), "finding.created", nil))
	assert.Equal(t, int64(3), calls.Load())
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := NewNotifier(Config{URL: server.URL, Secret: "s", Retry: fastRetry()}, nil, nil)
	err := n.Send(context.Background(), "finding.created", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500")
}

func TestNilAndUnconfiguredNotifierAreNoOps(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Send(context.Background(), "finding.created", nil))

	empty := NewNotifier(Config{}, nil, nil)
	assert.NoError(t, empty.Send(context.Background(), "finding.created", nil))
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"event":"finding.created"}`)
	header := Sign("s3cret", hookNow.Unix(), body)
	v := NewVerifier(VerifierConfig{Secret: "s3cret"})

	require.NoError(t, v.Verify(body, header, hookNow))

	assert.Error(t, v.Verify([]byte(`{"event":"other"}`), header, hookNow), "body swap")
	assert.Error(t, v.Verify(body, Sign("wrong", hookNow.Unix(), body), hookNow), "wrong secret")
	assert.Error(t, v.Verify(body, "v1=abc", hookNow), "missing timestamp")
	assert.Error(t, v.Verify(body, "t=123", hookNow), "missing signature")
}

func TestVerifyReplayWindow(t *testing.T) {
	body := []byte(`{}`)
	header := Sign("s", hookNow.Unix(), body)
	v := NewVerifier(VerifierConfig{Secret: "s"})

	assert.NoError(t, v.Verify(body, header, hookNow.Add(300*time.Second)))
	err := v.Verify(body, header, hookNow.Add(301*time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestVerifyFutureSkew(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier(VerifierConfig{Secret: "s"})

	assert.NoError(t, v.Verify(body, Sign("s", hookNow.Add(60*time.Second).Unix(), body), hookNow))
	err := v.Verify(body, Sign("s", hookNow.Add(61*time.Second).Unix(), body), hookNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "future")
}

func TestHeartbeatStopsOnCancel(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "watchtower.heartbeat", r.Header.Get(HeaderEvent))
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(Config{URL: server.URL, Secret: "s", Retry: fastRetry()}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Heartbeat(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 2*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}
