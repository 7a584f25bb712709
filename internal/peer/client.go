// Package peer talks to other providers: fetching intent and constraint
// details from their endpoints and fanning out change notifications to
// subscribers.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skylane/internal/auth"
	"skylane/internal/domain"
)

// Client is a minimal provider-to-provider HTTP client.
type Client struct {
	Tokens     *auth.Tokens
	Scope      string
	HTTPClient *http.Client
}

// APIError wraps non-2xx peer responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("peer api error: status=%d body=%s", e.StatusCode, e.Body)
}

type intentResponse struct {
	OperationalIntent domain.OperationalIntent `json:"operational_intent"`
}

type constraintResponse struct {
	Constraint struct {
		Reference struct {
			ID string `json:"id"`
		} `json:"reference"`
		Details struct {
			Volumes []domain.Volume4D `json:"volumes"`
			Type    string            `json:"type,omitempty"`
		} `json:"details"`
	} `json:"constraint"`
}

// Notification is the payload POSTed to a subscriber after a change. A nil
// OperationalIntent signals deletion.
type Notification struct {
	OperationalIntentID string                     `json:"operational_intent_id"`
	OperationalIntent   *domain.OperationalIntent  `json:"operational_intent,omitempty"`
	Subscriptions       []domain.SubscriptionState `json:"subscriptions"`
}

// GetIntent fetches full details for an intent owned by the provider at
// baseURL.
func (c *Client) GetIntent(ctx context.Context, baseURL, id string) (domain.OperationalIntent, error) {
	var resp intentResponse
	endpoint := "uss/v1/operational_intents/" + url.PathEscape(id)
	_, err := c.do(ctx, http.MethodGet, baseURL, endpoint, nil, &resp)
	return resp.OperationalIntent, err
}

// GetConstraint fetches a constraint's volumes from its owning provider.
func (c *Client) GetConstraint(ctx context.Context, baseURL, id string) ([]domain.Volume4D, error) {
	var resp constraintResponse
	endpoint := "uss/v1/constraints/" + url.PathEscape(id)
	if _, err := c.do(ctx, http.MethodGet, baseURL, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Constraint.Details.Volumes, nil
}

// Notify posts a change notification to the provider at baseURL. The
// receiver must answer 204 No Content; anything else is a failed delivery.
func (c *Client) Notify(ctx context.Context, baseURL string, n Notification) error {
	status, err := c.do(ctx, http.MethodPost, baseURL, "uss/v1/operational_intents", n, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return &APIError{StatusCode: status, Body: "expected 204 No Content"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, baseURL, endpoint string, body any, out any) (int, error) {
	token, err := c.Tokens.Get(ctx, auth.AudienceOf(baseURL), c.Scope)
	if err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	reqURL := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}
