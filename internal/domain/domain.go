package domain

// State values for a flight operation's authorization lifecycle.
const (
	StateNotSubmitted  = "not_submitted"
	StateAccepted      = "accepted"
	StateActivated     = "activated"
	StateNonconforming = "nonconforming"
	StateContingent    = "contingent"
	StateEnded         = "ended"
	StateWithdrawn     = "withdrawn"
	StateCancelled     = "cancelled"
	StateRejected      = "rejected"
)

type LatLngPoint struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

type Polygon struct {
	Vertices []LatLngPoint `json:"vertices"`
}

type Circle struct {
	Center  LatLngPoint `json:"center"`
	RadiusM float64     `json:"radius_m"`
}

// Altitude in the Registry wire form. Reference is always W84, units M.
type Altitude struct {
	Value     float64 `json:"value"`
	Reference string  `json:"reference"`
	Units     string  `json:"units"`
}

type Volume3D struct {
	OutlinePolygon *Polygon `json:"outline_polygon,omitempty"`
	OutlineCircle  *Circle  `json:"outline_circle,omitempty"`
	AltitudeLower  Altitude `json:"altitude_lower"`
	AltitudeUpper  Altitude `json:"altitude_upper"`
}

// TimePoint wraps an RFC3339 timestamp in the Registry wire form.
type TimePoint struct {
	Value  string `json:"value" format:"date-time"`
	Format string `json:"format"`
}

// Volume4D is a 3D outline with an altitude band and a time window.
type Volume4D struct {
	Volume    Volume3D  `json:"volume"`
	TimeStart TimePoint `json:"time_start"`
	TimeEnd   TimePoint `json:"time_end"`
}

// FlightOperation is the aggregate root for a locally managed flight.
type FlightOperation struct {
	ID              string  `json:"id"`
	AircraftID      string  `json:"aircraft_id"`
	State           string  `json:"state" enum:"not_submitted,accepted,activated,nonconforming,contingent,ended,withdrawn,cancelled,rejected"`
	TimeStart       string  `json:"time_start" format:"date-time"`
	TimeEnd         string  `json:"time_end" format:"date-time"`
	BBoxJSON        *string `json:"bbox_json,omitempty"`
	LastTelemetryAt *string `json:"last_telemetry_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// OperationalIntentReference mirrors the Registry's record for an intent.
// OVN is the opaque version token the Registry requires on the next mutation.
type OperationalIntentReference struct {
	ID             string `json:"id"`
	Manager        string `json:"manager"`
	State          string `json:"state"`
	Version        int    `json:"version"`
	OVN            string `json:"ovn,omitempty"`
	TimeStart      string `json:"time_start" format:"date-time"`
	TimeEnd        string `json:"time_end" format:"date-time"`
	USSBaseURL     string `json:"uss_base_url"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// OperationalIntentDetails carries the declared volumes. Off-nominal volumes
// are populated only in the nonconforming/contingent states.
type OperationalIntentDetails struct {
	Volumes           []Volume4D `json:"volumes"`
	OffNominalVolumes []Volume4D `json:"off_nominal_volumes,omitempty"`
	Priority          int        `json:"priority"`
}

// OperationalIntent is the full reference+details pair exchanged with peers.
type OperationalIntent struct {
	Reference OperationalIntentReference `json:"reference"`
	Details   OperationalIntentDetails   `json:"details"`
}

type SubscriptionState struct {
	SubscriptionID    string `json:"subscription_id"`
	NotificationIndex int    `json:"notification_index"`
}

// Subscriber is returned by the Registry on every mutation; each one must be
// notified unless its audience resolves to self or a test domain.
type Subscriber struct {
	USSBaseURL    string              `json:"uss_base_url"`
	Subscriptions []SubscriptionState `json:"subscriptions"`
}

// Geofence is a locally known no-fly constraint.
type Geofence struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	OVN       string   `json:"ovn,omitempty"`
	Geometry  Volume4D `json:"geometry"`
	Source    string   `json:"source" enum:"local,registry"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Telemetry is one reported aircraft position for an operation.
type Telemetry struct {
	ID          int64   `json:"id"`
	OperationID string  `json:"operation_id"`
	AircraftID  string  `json:"aircraft_id"`
	Lng         float64 `json:"lng"`
	Lat         float64 `json:"lat"`
	AltitudeM   float64 `json:"altitude_m"`
	RecordedAt  string  `json:"recorded_at" format:"date-time"`
}

// RemoteIntent is a peer's intent snapshot stored from a notification.
type RemoteIntent struct {
	ID         string `json:"id"`
	Manager    string `json:"manager"`
	State      string `json:"state"`
	OVN        string `json:"ovn,omitempty"`
	USSBaseURL string `json:"uss_base_url"`
	Payload    string `json:"payload_json"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	OperationID string `json:"operation_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
