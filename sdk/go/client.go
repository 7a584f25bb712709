package skylanesdk

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
)

// Client is a minimal Skylane operator API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Operation represents the API operation model (partial).
type Operation struct {
	ID              string  `json:"id"`
	AircraftID      string  `json:"aircraft_id"`
	State           string  `json:"state"`
	TimeStart       string  `json:"time_start"`
	TimeEnd         string  `json:"time_end"`
	LastTelemetryAt *string `json:"last_telemetry_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// Conformance is the result of a telemetry ingest or conformance check.
type Conformance struct {
	Code       int    `json:"code"`
	Check      string `json:"check"`
	Conformant bool   `json:"conformant"`
}

// Geofence represents a no-fly constraint.
type Geofence struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Source    string         `json:"source"`
	Geometry  map[string]any `json:"geometry"`
	CreatedAt string         `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOperation declares a flight. Volumes use the wire volume shape; any
// JSON-marshalable value with the right fields works.
func (c *Client) CreateOperation(ctx context.Context, aircraftID string, priority int, volumes any) (Operation, error) {
	body := map[string]any{
		"aircraft_id": aircraftID,
		"priority":    priority,
		"volumes":     volumes,
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations", body, &resp)
	return resp, err
}

// Operations lists operations, optionally filtered by state.
func (c *Client) Operations(ctx context.Context, state string) ([]Operation, error) {
	endpoint := "v0/operations"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Operation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOperation fetches one operation.
func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, c.operationPath(id, ""), nil, &resp)
	return resp, err
}

// SendEvent applies a lifecycle event.
func (c *Client) SendEvent(ctx context.Context, id, event string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodPost, c.operationPath(id, "events"), map[string]any{"event": event}, &resp)
	return resp, err
}

// Activate transitions an accepted operation into flight.
func (c *Client) Activate(ctx context.Context, id string) (Operation, error) {
	return c.SendEvent(ctx, id, "operator_activates")
}

// End confirms the flight is over.
func (c *Client) End(ctx context.Context, id string) (Operation, error) {
	return c.SendEvent(ctx, id, "operator_confirms_ended")
}

// SendTelemetry reports a position and returns the conformance verdict.
func (c *Client) SendTelemetry(ctx context.Context, id, aircraftID string, lng, lat, altitudeM float64) (Conformance, error) {
	body := map[string]any{
		"aircraft_id": aircraftID,
		"lng":         lng,
		"lat":         lat,
		"altitude_m":  altitudeM,
	}
	var resp Conformance
	err := c.do(ctx, http.MethodPost, c.operationPath(id, "telemetry"), body, &resp)
	return resp, err
}

// CheckConformance runs the telemetry-free pipeline.
func (c *Client) CheckConformance(ctx context.Context, id string) (Conformance, error) {
	var resp Conformance
	err := c.do(ctx, http.MethodPost, c.operationPath(id, "conformance"), nil, &resp)
	return resp, err
}

// Events returns the audit log for an operation.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := c.operationPath(id, "events/log")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Geofences lists known constraints.
func (c *Client) Geofences(ctx context.Context) ([]Geofence, error) {
	var resp []Geofence
	err := c.do(ctx, http.MethodGet, "v0/geofences", nil, &resp)
	return resp, err
}

// ImportGeofences uploads a GeoJSON FeatureCollection.
func (c *Client) ImportGeofences(ctx context.Context, name string, geojson json.RawMessage) ([]Geofence, error) {
	body := map[string]any{
		"name":    name,
		"geojson": geojson,
	}
	var resp []Geofence
	err := c.do(ctx, http.MethodPost, "v0/geofences/import", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) operationPath(id, sub string) string {
	p := fmt.Sprintf("v0/operations/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
