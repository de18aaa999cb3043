// Package telephony implements the external interfaces a telephony provider
// talks to (§6): a REST dialer placing outbound calls, HTTP webhooks the
// provider calls back into, and the bidirectional media-stream WebSocket
// carrying call audio. Grounded on pkg/provider/stt/deepgram and
// pkg/provider/tts/elevenlabs for the no-SDK direct-HTTP/WS client shape (no
// telephony REST SDK appears anywhere in the pack), and on
// internal/observe/middleware.go for the HTTP middleware-wrapping style.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/careline-ai/careline/internal/resilience"
	"github.com/careline-ai/careline/internal/scheduler"
	"github.com/careline-ai/careline/pkg/store"
)

// DialerConfig collects the outbound-call provider's REST credentials and
// the public webhook URLs the provider should call back into.
type DialerConfig struct {
	// BaseURL is the provider's REST API base, e.g. "https://api.provider.example/v1".
	BaseURL string

	// AccountID and AuthToken authenticate outbound REST calls (HTTP Basic).
	AccountID string
	AuthToken string

	// FromNumber is the caller-ID number used for every outbound call.
	FromNumber string

	// AnswerURL and StatusURL are this service's own public webhook endpoints
	// (POST /voice/answer, POST /voice/status), passed to the provider so it
	// knows where to call back.
	AnswerURL string
	StatusURL string
}

// Dialer places outbound reminder calls via a telephony provider's REST API.
// It implements scheduler.Dialer.
type Dialer struct {
	tenants    store.Tenants
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	cfg        DialerConfig
}

var _ scheduler.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer from cfg, resolving tenant IDs to phone numbers
// via tenants.
func NewDialer(tenants store.Tenants, cfg DialerConfig) *Dialer {
	return &Dialer{
		tenants:    tenants,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "telephony-dial"}),
		cfg:        cfg,
	}
}

// createCallResponse is the minimal JSON shape expected from the provider's
// call-creation endpoint.
type createCallResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Dial places an outbound call to tenantID's registered phone number,
// attaching params as query parameters on the answer and status callback
// URLs so the provider echoes them back on both webhooks (§6 "Start events
// carry the call SID and optional custom parameters").
func (d *Dialer) Dial(ctx context.Context, tenantID string, params map[string]string) (string, error) {
	tenant, err := d.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("telephony: load tenant %s: %w", tenantID, err)
	}
	if tenant == nil || tenant.Phone == "" {
		return "", fmt.Errorf("telephony: tenant %s has no phone number on file", tenantID)
	}

	answerURL := withQuery(d.cfg.AnswerURL, params)
	statusURL := withQuery(d.cfg.StatusURL, params)

	var sid string
	err = d.breaker.Execute(func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{}, func() error {
			var innerErr error
			sid, innerErr = d.createCall(ctx, tenant.Phone, answerURL, statusURL)
			return innerErr
		})
	})
	if err != nil {
		return "", fmt.Errorf("telephony: dial tenant %s: %w", tenantID, err)
	}
	return sid, nil
}

func (d *Dialer) createCall(ctx context.Context, toNumber, answerURL, statusURL string) (string, error) {
	form := url.Values{
		"to":         {toNumber},
		"from":       {d.cfg.FromNumber},
		"answer_url": {answerURL},
		"status_url": {statusURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(d.cfg.BaseURL, "/")+"/calls",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(d.cfg.AccountID, d.cfg.AuthToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var body createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if body.SID == "" {
		return "", fmt.Errorf("provider response missing call sid")
	}
	return body.SID, nil
}

// withQuery appends params onto rawURL's query string, preserving any
// existing query parameters.
func withQuery(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
