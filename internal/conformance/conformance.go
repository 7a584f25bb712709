// Package conformance validates a flight's current state and telemetry
// against its declaration, its Registry record and active no-fly geofences.
// Both pipelines run their checks in a fixed order and stop at the first
// failure.
package conformance

import (
	"time"

	"skylane/internal/domain"
	"skylane/internal/geo"
)

// Code identifies the first failing check, or Conformant.
type Code int

const (
	// Conformant passes every check in the pipeline.
	Conformant Code = 100

	// Telemetry pipeline, in evaluation order.
	C2  Code = 2  // operation or intent record missing
	C3  Code = 3  // telemetry aircraft id does not match declaration
	C4  Code = 4  // operation in a terminal or unsubmitted state
	C5  Code = 5  // operation not in the activated family
	C6  Code = 6  // current time outside the declared window
	C7b Code = 72 // telemetry altitude outside every declared band
	C7a Code = 71 // telemetry point outside every declared outline
	C8  Code = 8  // telemetry point inside an active no-fly geofence

	// Reference pipeline, in evaluation order.
	C11 Code = 11 // intent record missing
	C10 Code = 10 // operation state not in the activated family
	C9  Code = 9  // telemetry silence beyond the allowed gap
)

// DefaultMaxSilence is the allowed gap between now and the latest telemetry
// before an operation is treated as contingent-by-silence.
const DefaultMaxSilence = 15 * time.Second

func (c Code) String() string {
	switch c {
	case Conformant:
		return "conformant"
	case C2:
		return "C2"
	case C3:
		return "C3"
	case C4:
		return "C4"
	case C5:
		return "C5"
	case C6:
		return "C6"
	case C7a:
		return "C7a"
	case C7b:
		return "C7b"
	case C8:
		return "C8"
	case C9:
		return "C9"
	case C10:
		return "C10"
	case C11:
		return "C11"
	}
	return "unknown"
}

func activatedFamily(state string) bool {
	switch state {
	case domain.StateActivated, domain.StateNonconforming, domain.StateContingent:
		return true
	}
	return false
}

func terminalOrUnsubmitted(state string) bool {
	switch state {
	case domain.StateNotSubmitted, domain.StateEnded, domain.StateWithdrawn,
		domain.StateCancelled, domain.StateRejected:
		return true
	}
	return false
}

// CheckReference runs the telemetry-free pipeline: record exists, state in
// the activated family, telemetry fresh within maxSilence of now. Pass zero
// for the default silence window.
func CheckReference(op domain.FlightOperation, ref *domain.OperationalIntentReference, now time.Time, maxSilence time.Duration) Code {
	if ref == nil || ref.ID == "" {
		return C11
	}
	if !activatedFamily(op.State) {
		return C10
	}
	if maxSilence <= 0 {
		maxSilence = DefaultMaxSilence
	}
	if op.LastTelemetryAt == nil {
		return C9
	}
	last, err := time.Parse(time.RFC3339, *op.LastTelemetryAt)
	if err != nil {
		return C9
	}
	gap := now.Sub(last)
	if gap < 0 {
		gap = -gap
	}
	if gap > maxSilence {
		return C9
	}
	return Conformant
}

// TelemetryCheck bundles the inputs for the telemetry pipeline.
type TelemetryCheck struct {
	Operation domain.FlightOperation
	Reference *domain.OperationalIntentReference
	Volumes   []domain.Volume4D
	Telemetry domain.Telemetry
	Geofences []domain.Geofence
	Now       time.Time
}

// CheckTelemetry validates a telemetry report against the declaration. A
// later check never runs once an earlier one has failed.
func CheckTelemetry(in TelemetryCheck) Code {
	if in.Operation.ID == "" || in.Reference == nil || in.Reference.ID == "" {
		return C2
	}
	if in.Telemetry.AircraftID != in.Operation.AircraftID {
		return C3
	}
	if terminalOrUnsubmitted(in.Operation.State) {
		return C4
	}
	if !activatedFamily(in.Operation.State) {
		return C5
	}
	start, errS := time.Parse(time.RFC3339, in.Operation.TimeStart)
	end, errE := time.Parse(time.RFC3339, in.Operation.TimeEnd)
	if errS != nil || errE != nil || in.Now.Before(start) || in.Now.After(end) {
		return C6
	}
	point := geo.Point{X: in.Telemetry.Lng, Y: in.Telemetry.Lat}
	altOK := false
	for _, v := range in.Volumes {
		if geo.AltitudeWithin(in.Telemetry.AltitudeM, v.Volume) {
			altOK = true
			break
		}
	}
	if !altOK {
		return C7b
	}
	posOK := false
	for _, v := range in.Volumes {
		if geo.PointInPolygon(point, geo.OutlinePoints(v.Volume)) {
			posOK = true
			break
		}
	}
	if !posOK {
		return C7a
	}
	for _, g := range in.Geofences {
		if !geofenceActive(g, in.Now) {
			continue
		}
		if geo.PointInPolygon(point, geo.OutlinePoints(g.Geometry.Volume)) &&
			geo.AltitudeWithin(in.Telemetry.AltitudeM, g.Geometry.Volume) {
			return C8
		}
	}
	return Conformant
}

func geofenceActive(g domain.Geofence, now time.Time) bool {
	start, errS := geo.ParseTime(g.Geometry.TimeStart)
	end, errE := geo.ParseTime(g.Geometry.TimeEnd)
	if errS != nil || errE != nil {
		// unknown activation window counts as active
		return true
	}
	return !now.Before(start) && !now.After(end)
}
