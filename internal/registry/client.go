// Package registry implements the client side of the strategic-deconfliction
// protocol against the shared Registry (DSS): create/update/delete of
// operational-intent references with optimistic-concurrency version tokens,
// area queries for nearby intents and constraints, and the pre-submission
// decision logic.
package registry

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

// RegistryError is a non-2xx response from the Registry itself, surfaced
// with its HTTP status. Never retried automatically.
type RegistryError struct {
	Status int
	Body   string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry error: status=%d body=%s", e.Status, e.Body)
}

// PeerUnreachableError aborts the whole deconfliction attempt: unknown
// airspace state must never be treated as empty airspace state.
type PeerUnreachableError struct {
	BaseURL string
	Err     error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.BaseURL, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error { return e.Err }

// PeerDataError means a peer answered but its intent payload failed
// validation. Like unreachability, it is never downgraded to "no conflict".
type PeerDataError struct {
	BaseURL  string
	IntentID string
	Reason   string
}

func (e *PeerDataError) Error() string {
	return fmt.Sprintf("peer %s returned invalid data for intent %s: %s", e.BaseURL, e.IntentID, e.Reason)
}

// PeerGetter fetches intent and constraint details from owning providers.
type PeerGetter interface {
	GetIntent(ctx context.Context, baseURL, id string) (domain.OperationalIntent, error)
	GetConstraint(ctx context.Context, baseURL, id string) ([]domain.Volume4D, error)
}

// LocalStore reads details for intents this provider owns.
type LocalStore interface {
	GetIntentDetails(ctx context.Context, id string) (domain.OperationalIntentDetails, error)
}

// Client talks to the Registry on behalf of one provider.
type Client struct {
	BaseURL     string // Registry base URL
	Audience    string // Registry token audience
	Scope       string
	Manager     string // this provider's manager name
	OwnBaseURL  string // this provider's public base URL
	MaxPriority int

	Tokens     *auth.Tokens
	Peers      PeerGetter
	Local      LocalStore
	HTTPClient *http.Client
}

// --- Registry wire types ---

type wireIntentRef struct {
	ID             string           `json:"id"`
	Manager        string           `json:"manager"`
	State          string           `json:"state"`
	Version        int              `json:"version"`
	OVN            string           `json:"ovn,omitempty"`
	TimeStart      domain.TimePoint `json:"time_start"`
	TimeEnd        domain.TimePoint `json:"time_end"`
	USSBaseURL     string           `json:"uss_base_url"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
}

func (w wireIntentRef) toDomain() domain.OperationalIntentReference {
	return domain.OperationalIntentReference{
		ID:             w.ID,
		Manager:        w.Manager,
		State:          w.State,
		Version:        w.Version,
		OVN:            w.OVN,
		TimeStart:      w.TimeStart.Value,
		TimeEnd:        w.TimeEnd.Value,
		USSBaseURL:     w.USSBaseURL,
		SubscriptionID: w.SubscriptionID,
	}
}

type wireConstraintRef struct {
	ID         string           `json:"id"`
	Manager    string           `json:"manager"`
	Version    int              `json:"version"`
	OVN        string           `json:"ovn,omitempty"`
	TimeStart  domain.TimePoint `json:"time_start"`
	TimeEnd    domain.TimePoint `json:"time_end"`
	USSBaseURL string           `json:"uss_base_url"`
}

type newSubscription struct {
	USSBaseURL           string `json:"uss_base_url"`
	NotifyForConstraints bool   `json:"notify_for_constraints"`
}

type putIntentRequest struct {
	Extents         []domain.Volume4D `json:"extents"`
	Key             []string          `json:"key"`
	State           string            `json:"state"`
	USSBaseURL      string            `json:"uss_base_url"`
	NewSubscription *newSubscription  `json:"new_subscription,omitempty"`
}

type changeResponse struct {
	OperationalIntentReference wireIntentRef       `json:"operational_intent_reference"`
	Subscribers                []domain.Subscriber `json:"subscribers"`
}

type queryRequest struct {
	AreaOfInterest domain.Volume4D `json:"area_of_interest"`
}

type intentQueryResponse struct {
	OperationalIntentReferences []wireIntentRef `json:"operational_intent_references"`
}

type constraintQueryResponse struct {
	ConstraintReferences []wireConstraintRef `json:"constraint_references"`
}

// registryState maps a local lifecycle state to the Registry wire form.
func registryState(state string) string {
	switch state {
	case domain.StateActivated:
		return "Activated"
	case domain.StateNonconforming:
		return "Nonconforming"
	case domain.StateContingent:
		return "Contingent"
	default:
		return "Accepted"
	}
}

// localState maps a Registry wire state back to the local form.
func localState(state string) string {
	switch state {
	case "Activated":
		return domain.StateActivated
	case "Nonconforming":
		return domain.StateNonconforming
	case "Contingent":
		return domain.StateContingent
	default:
		return domain.StateAccepted
	}
}

// --- low-level HTTP ---

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	token, err := c.Tokens.Get(ctx, c.Audience, c.Scope)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	reqURL := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return &RegistryError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RegistryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) putIntent(ctx context.Context, id, ovn string, req putIntentRequest) (changeResponse, error) {
	endpoint := "dss/v1/operational_intent_references/" + url.PathEscape(id)
	if ovn != "" {
		endpoint += "/" + url.PathEscape(ovn)
	}
	var resp changeResponse
	err := c.do(ctx, http.MethodPut, endpoint, req, &resp)
	return resp, err
}

func (c *Client) deleteIntent(ctx context.Context, id, ovn string) (changeResponse, error) {
	endpoint := "dss/v1/operational_intent_references/" + url.PathEscape(id) + "/" + url.PathEscape(ovn)
	var resp changeResponse
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) queryIntentRefs(ctx context.Context, aoi domain.Volume4D) ([]wireIntentRef, error) {
	var resp intentQueryResponse
	err := c.do(ctx, http.MethodPost, "dss/v1/operational_intent_references/query", queryRequest{AreaOfInterest: aoi}, &resp)
	return resp.OperationalIntentReferences, err
}

func (c *Client) queryConstraintRefs(ctx context.Context, aoi domain.Volume4D) ([]wireConstraintRef, error) {
	var resp constraintQueryResponse
	err := c.do(ctx, http.MethodPost, "dss/v1/constraint_references/query", queryRequest{AreaOfInterest: aoi}, &resp)
	return resp.ConstraintReferences, err
}
