// Package notification delivers signed webhook requests to external endpoints.
package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openctemio/orchestrator/internal/app"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Signature"
	HeaderEvent     = "X-Event"
	HeaderDelivery  = "X-Delivery"

	signaturePrefix = "sha256="
	defaultTimeout  = 10 * time.Second
)

// WebhookSender performs single HTTP delivery attempts. Retries belong to the caller.
type WebhookSender struct {
	httpClient *http.Client
	userAgent  string
}

var _ app.WebhookSender = (*WebhookSender)(nil)

// NewWebhookSender creates a sender whose requests time out after timeout (default: 10s).
func NewWebhookSender(timeout time.Duration, userAgent string) *WebhookSender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if userAgent == "" {
		userAgent = "Orchestrator-Webhook/1.0"
	}
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: timeout,
			// Endpoints are validated at registration; a redirect could point anywhere.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: userAgent,
	}
}

// Send POSTs the delivery body and returns the response status code.
func (s *WebhookSender) Send(ctx context.Context, d app.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderDelivery, d.ID)
	if d.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.Body, d.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// SECURITY: Limit response body to 1MB to prevent memory exhaustion from malicious responses
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return resp.StatusCode, nil
}

// Sign returns the X-Signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of the exact bytes sent, keyed by secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches body under secret. Receivers use
// it to authenticate deliveries.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
