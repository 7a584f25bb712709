package server

import (
	"encoding/json"

	"skylane/internal/domain"
)

// Request payloads

type CreateOperationRequest struct {
	ID         string            `json:"id,omitempty" format:"uuid"`
	AircraftID string            `json:"aircraft_id"`
	Priority   int               `json:"priority,omitempty"`
	Volumes    []domain.Volume4D `json:"volumes"`
}

type TransitionEventRequest struct {
	Event string `json:"event" enum:"operator_activates,operator_confirms_ended,departs_declared_volume,exits_declared_volume,returns_to_declared_volume,timeout,operator_confirms_contingency,operator_declares_contingency"`
}

type TelemetryRequest struct {
	AircraftID string  `json:"aircraft_id"`
	Lng        float64 `json:"lng"`
	Lat        float64 `json:"lat"`
	AltitudeM  float64 `json:"altitude_m"`
	RecordedAt string  `json:"recorded_at,omitempty" format:"date-time"`
}

func (r TelemetryRequest) toDomain(operationID string) domain.Telemetry {
	return domain.Telemetry{
		OperationID: operationID,
		AircraftID:  r.AircraftID,
		Lng:         r.Lng,
		Lat:         r.Lat,
		AltitudeM:   r.AltitudeM,
		RecordedAt:  r.RecordedAt,
	}
}

type ImportGeofencesRequest struct {
	Name    string          `json:"name,omitempty"`
	GeoJSON json.RawMessage `json:"geojson" jsonschema:"type=object,additionalProperties=true"`
}

// Response payloads

type OperationResponse struct {
	ID              string  `json:"id"`
	AircraftID      string  `json:"aircraft_id"`
	State           string  `json:"state" enum:"not_submitted,accepted,activated,nonconforming,contingent,ended,withdrawn,cancelled,rejected"`
	TimeStart       string  `json:"time_start" format:"date-time"`
	TimeEnd         string  `json:"time_end" format:"date-time"`
	LastTelemetryAt *string `json:"last_telemetry_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type OperationDetailResponse struct {
	OperationResponse
	Priority          int                                `json:"priority"`
	Volumes           []domain.Volume4D                  `json:"volumes,omitempty"`
	OffNominalVolumes []domain.Volume4D                  `json:"off_nominal_volumes,omitempty"`
	Reference         *domain.OperationalIntentReference `json:"reference,omitempty"`
}

type ConformanceResponse struct {
	Code       int    `json:"code"`
	Check      string `json:"check"`
	Conformant bool   `json:"conformant"`
}

type TelemetryResponse struct {
	ID         int64   `json:"id"`
	AircraftID string  `json:"aircraft_id"`
	Lng        float64 `json:"lng"`
	Lat        float64 `json:"lat"`
	AltitudeM  float64 `json:"altitude_m"`
	RecordedAt string  `json:"recorded_at" format:"date-time"`
}

type GeofenceResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Source    string          `json:"source" enum:"local,registry"`
	Geometry  domain.Volume4D `json:"geometry"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func operationResponse(op domain.FlightOperation) OperationResponse {
	return OperationResponse{
		ID:              op.ID,
		AircraftID:      op.AircraftID,
		State:           op.State,
		TimeStart:       op.TimeStart,
		TimeEnd:         op.TimeEnd,
		LastTelemetryAt: op.LastTelemetryAt,
		CreatedAt:       op.CreatedAt,
		UpdatedAt:       op.UpdatedAt,
	}
}

func telemetryResponse(t domain.Telemetry) TelemetryResponse {
	return TelemetryResponse{
		ID:         t.ID,
		AircraftID: t.AircraftID,
		Lng:        t.Lng,
		Lat:        t.Lat,
		AltitudeM:  t.AltitudeM,
		RecordedAt: t.RecordedAt,
	}
}

func geofenceResponse(g domain.Geofence) GeofenceResponse {
	return GeofenceResponse{
		ID:        g.ID,
		Name:      g.Name,
		Source:    g.Source,
		Geometry:  g.Geometry,
		CreatedAt: g.CreatedAt,
	}
}

func eventResponse(ev domain.Event) EventResponse {
	var payload map[string]any
	if ev.Payload != "" {
		_ = json.Unmarshal([]byte(ev.Payload), &payload)
	}
	return EventResponse{
		ID:         ev.ID,
		TS:         ev.TS,
		Type:       ev.Type,
		EntityKind: ev.EntityKind,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    payload,
	}
}
