package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// Client talks to the payment provider's REST API and implements
// billing.Gateway. It holds a token-injecting HTTP client; all methods are
// safe for concurrent use.
type Client struct {
	baseURL         string
	http            *http.Client
	webhookSecret   string
	signatureMaxAge time.Duration
	log             *slog.Logger
}

var _ billing.Gateway = (*Client)(nil)

// New creates a provider client. Token acquisition is lazy: construction
// succeeds without network access, and the first API call fetches the first
// token. Missing credentials fail here so misconfiguration surfaces at boot.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.APIBaseURL == "" {
		return nil, errors.Join(billing.ErrCredentialsMissing, errors.New("api base url is not configured"))
	}
	if log == nil {
		log = slog.Default()
	}

	source, err := newTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxAge := cfg.SignatureMaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: &authTransport{source: source},
		},
		webhookSecret:   cfg.WebhookSecret,
		signatureMaxAge: maxAge,
		log:             log,
	}, nil
}

// remoteSubscriptionPayload is the provider's subscription resource shape.
type remoteSubscriptionPayload struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	PlanID        string     `json:"plan_id"`
	TrialEndsAt   *time.Time `json:"trial_ends_at,omitempty"`
	NextBillingAt *time.Time `json:"next_billing_at,omitempty"`
}

// GetSubscription fetches the provider's snapshot of a remote subscription.
func (c *Client) GetSubscription(ctx context.Context, remoteID string) (*billing.RemoteSubscription, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+remoteID, nil)
	if err != nil {
		return nil, err
	}

	var payload remoteSubscriptionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Join(billing.ErrProviderUnavailable, fmt.Errorf("decode subscription response: %w", err))
	}

	return &billing.RemoteSubscription{
		ID:            payload.ID,
		Status:        billing.RemoteStatus(strings.ToUpper(payload.Status)),
		PlanID:        payload.PlanID,
		TrialEndsAt:   payload.TrialEndsAt,
		NextBillingAt: payload.NextBillingAt,
	}, nil
}

// Cancel terminates the remote subscription.
func (c *Client) Cancel(ctx context.Context, remoteID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+remoteID+"/cancel", map[string]string{"reason": reason})
	return err
}

// Suspend pauses billing for the remote subscription.
func (c *Client) Suspend(ctx context.Context, remoteID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+remoteID+"/suspend", map[string]string{"reason": reason})
	return err
}

// Reactivate resumes a suspended remote subscription.
func (c *Client) Reactivate(ctx context.Context, remoteID, reason string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+remoteID+"/activate", map[string]string{"reason": reason})
	return err
}

// Refund refunds a captured payment.
func (c *Client) Refund(ctx context.Context, captureID string, amount billing.Money, reason string) error {
	req := map[string]any{
		"amount":   amount.Amount,
		"currency": amount.Currency,
		"reason":   reason,
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/payments/"+captureID+"/refund", req)
	return err
}

// do executes one API call and maps the response onto the Gateway error
// contract. The response body is capped to guard against a misbehaving
// provider streaming unbounded data.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, billing.ErrAuthFailure) || errors.Is(err, billing.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, errors.Join(billing.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Join(billing.ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, billing.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, errors.Join(billing.ErrAuthFailure, apiError(resp.StatusCode, body))
	case resp.StatusCode >= 500:
		c.log.WarnContext(ctx, "billing provider returned a server error",
			slog.String("method", method), slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return nil, errors.Join(billing.ErrProviderUnavailable, apiError(resp.StatusCode, body))
	default:
		// Remaining 4xx mean the remote resource does not permit the action.
		return nil, errors.Join(billing.ErrInvalidTransition, apiError(resp.StatusCode, body))
	}
}

// apiError extracts the provider's error message for log and wrap context.
func apiError(status int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		msg = payload.Message
		if msg == "" {
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("provider responded %d: %s", status, msg)
}
