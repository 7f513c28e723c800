// Package payment releases milestone payouts: a gateway submitter and a
// durable submit-then-record workflow.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/grant-review/internal/resilience"
)

// Request is one payout instruction.
type Request struct {
	MilestoneID string          `json:"milestone_id"`
	GrantID     string          `json:"grant_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Recipient   string          `json:"recipient"`
	// IdempotencyKey is stable for a milestone so a repeated submit cannot
	// pay twice at a gateway that honors it.
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate checks that the request can be sent.
func (r Request) Validate() error {
	switch {
	case r.MilestoneID == "":
		return eris.New("payment: milestone id is required")
	case !r.Amount.IsPositive():
		return eris.New("payment: amount must be positive")
	case r.Recipient == "":
		return eris.New("payment: recipient is required")
	}
	return nil
}

// IdempotencyKey returns the key used for a milestone's payout.
func IdempotencyKey(milestoneID string) string {
	return "milestone-" + milestoneID
}

// Submitter sends a payout and returns its transaction hash.
type Submitter interface {
	Submit(ctx context.Context, req Request) (string, error)
}

// GatewayOptions configures a GatewaySubmitter.
type GatewayOptions struct {
	URL    string
	APIKey string
	Client *http.Client
	Retry  resilience.RetryConfig
}

// GatewaySubmitter posts payouts to an HTTP payment gateway.
type GatewaySubmitter struct {
	opts GatewayOptions
}

// NewGatewaySubmitter creates a GatewaySubmitter.
func NewGatewaySubmitter(opts GatewayOptions) *GatewaySubmitter {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	opts.URL = strings.TrimRight(opts.URL, "/")
	opts.Retry.OnRetry = resilience.RetryLogger("payment", "submit")
	return &GatewaySubmitter{opts: opts}
}

type gatewayResponse struct {
	TxHash string `json:"tx_hash"`
}

// Submit implements Submitter. Transient gateway failures are retried with
// the same idempotency key.
func (s *GatewaySubmitter) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "payment: marshal request")
	}
	return resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) (string, error) {
		return s.post(ctx, req.IdempotencyKey, body)
	})
}

func (s *GatewaySubmitter) post(ctx context.Context, key string, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL+"/payments", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "payment: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if s.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	}

	resp, err := s.opts.Client.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "payment: gateway request")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", eris.Wrap(err, "payment: read response")
	}
	if resp.StatusCode >= 300 {
		return "", resilience.HTTPStatusError("payment: gateway", resp.StatusCode, string(raw))
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", eris.Wrap(err, "payment: decode response")
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", eris.New("payment: gateway returned no transaction hash")
	}
	return out.TxHash, nil
}
