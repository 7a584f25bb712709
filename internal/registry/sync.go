package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skylane/internal/domain"
	"skylane/internal/geo"
	"skylane/internal/spatial"
)

// Result statuses. Registry rejections pass through with their HTTP status;
// peer failures get distinguished codes so they are never mistaken for "no
// conflict".
const (
	StatusOK              = 200
	StatusCreated         = 201
	StatusNotFound        = 404
	StatusStaleOVN        = 409
	StatusUnavailable     = 412
	StatusPeerUnreachable = 408
	StatusLocalConflict   = 500
	StatusPeerDataInvalid = 900
)

// SubmissionResult is the outcome of a create or update attempt.
type SubmissionResult struct {
	Status         int
	Suppressed     bool // update decided against sending; nothing was submitted
	Reference      *domain.OperationalIntentReference
	Subscribers    []domain.Subscriber
	Constraints    []domain.Geofence
	ConflictingIDs []uuid.UUID
	Message        string
}

// DeleteResult is the outcome of a delete attempt.
type DeleteResult struct {
	Status      int
	Subscribers []domain.Subscriber
	Message     string
}

// nearbyAirspace is everything the Registry and its peers know about the
// area of interest at query time.
type nearbyAirspace struct {
	details     []domain.OperationalIntentDetails
	candidates  []spatial.Candidate
	constraints []domain.Geofence
	keys        []string // the conflict key set: every live relevant OVN
	ownOVN      string   // freshest OVN observed for the excluded intent
}

// Create submits a new operational intent. It queries the Registry for every
// intent and constraint overlapping the requested volumes, builds the
// conflict key set from their OVNs, runs the two-stage conflict test locally,
// and only then PUTs the record. Maximum priority bypasses the local check.
func (c *Client) Create(ctx context.Context, id, state string, priority int, volumes, offNominal []domain.Volume4D) (SubmissionResult, error) {
	extents := append(append([]domain.Volume4D{}, volumes...), offNominal...)
	nearby, err := c.gatherNearby(ctx, extents, "")
	if err != nil {
		return failureResult(err), err
	}
	if priority < c.MaxPriority {
		start, end, err := geo.TimeWindow(extents)
		if err != nil {
			return SubmissionResult{Status: StatusLocalConflict, Message: err.Error()}, err
		}
		index := spatial.New(start, end, nearby.candidates)
		if hits := index.ConflictsWith(extents); len(hits) > 0 {
			return SubmissionResult{
				Status:         StatusLocalConflict,
				ConflictingIDs: hits,
				Message:        fmt.Sprintf("airspace conflict with %d existing intent(s)", len(hits)),
			}, nil
		}
	}
	resp, err := c.putIntent(ctx, id, "", putIntentRequest{
		Extents:    extents,
		Key:        nearby.keys,
		State:      registryState(state),
		USSBaseURL: c.OwnBaseURL,
		NewSubscription: &newSubscription{
			USSBaseURL:           c.OwnBaseURL,
			NotifyForConstraints: true,
		},
	})
	if err != nil {
		return failureResult(err), err
	}
	ref := resp.OperationalIntentReference.toDomain()
	ref.State = localState(ref.State)
	return SubmissionResult{
		Status:      StatusCreated,
		Reference:   &ref,
		Subscribers: resp.Subscribers,
		Constraints: nearby.constraints,
	}, nil
}

// shouldSend is the pre-submission decision matrix: transitions into
// off-nominal states always go out, maximum priority always goes out, and an
// update whose extents conflict with Registry volumes is suppressed so it
// cannot worsen a real-world conflict.
func shouldSend(current, next string, conflict bool, priority, maxPriority int) bool {
	if priority >= maxPriority {
		return true
	}
	if current == domain.StateActivated &&
		(next == domain.StateNonconforming || next == domain.StateContingent) {
		return true
	}
	return !conflict
}

// Update submits a state or extents change for an existing intent. The
// decision matrix runs first; when it decides against sending, nothing is
// submitted and Suppressed is set. The freshest OVN known for the record is
// preferred over the caller-supplied one.
func (c *Client) Update(ctx context.Context, id, ovn string, extents []domain.Volume4D, currentState, newState string, priority int, conflictCheck bool) (SubmissionResult, error) {
	nearby, err := c.gatherNearby(ctx, extents, id)
	if err != nil {
		return failureResult(err), err
	}
	conflict := false
	var hits []uuid.UUID
	if conflictCheck && priority < c.MaxPriority {
		start, end, err := geo.TimeWindow(extents)
		if err != nil {
			return SubmissionResult{Status: StatusLocalConflict, Message: err.Error()}, err
		}
		index := spatial.New(start, end, nearby.candidates)
		hits = index.ConflictsWith(extents)
		conflict = len(hits) > 0
	}
	if !shouldSend(currentState, newState, conflict, priority, c.MaxPriority) {
		return SubmissionResult{
			Suppressed:     true,
			ConflictingIDs: hits,
			Message:        "update suppressed: extents conflict with registry volumes",
		}, nil
	}
	useOVN := ovn
	if nearby.ownOVN != "" {
		useOVN = nearby.ownOVN
	}
	resp, err := c.putIntent(ctx, id, useOVN, putIntentRequest{
		Extents:    extents,
		Key:        nearby.keys,
		State:      registryState(newState),
		USSBaseURL: c.OwnBaseURL,
	})
	if err != nil {
		return failureResult(err), err
	}
	ref := resp.OperationalIntentReference.toDomain()
	ref.State = localState(ref.State)
	return SubmissionResult{
		Status:      StatusOK,
		Reference:   &ref,
		Subscribers: resp.Subscribers,
		Constraints: nearby.constraints,
	}, nil
}

// Delete removes the intent record from the Registry.
func (c *Client) Delete(ctx context.Context, id, ovn string) (DeleteResult, error) {
	resp, err := c.deleteIntent(ctx, id, ovn)
	if err != nil {
		var re *RegistryError
		if errors.As(err, &re) {
			switch re.Status {
			case StatusNotFound:
				return DeleteResult{Status: StatusNotFound, Message: "intent not found"}, err
			case StatusStaleOVN:
				return DeleteResult{Status: StatusStaleOVN, Message: "stale ovn"}, err
			case StatusUnavailable:
				return DeleteResult{Status: StatusUnavailable, Message: "record marked unavailable"}, err
			}
		}
		return DeleteResult{Status: StatusLocalConflict, Message: err.Error()}, err
	}
	return DeleteResult{Status: StatusOK, Subscribers: resp.Subscribers}, nil
}

// QueryNearby returns the details of every Registry-known intent overlapping
// the volumes. Own intents come from the local store; everything else is
// fetched from the owning provider. Any unreachable peer aborts the whole
// query (fail-closed).
func (c *Client) QueryNearby(ctx context.Context, volumes []domain.Volume4D) ([]domain.OperationalIntentDetails, error) {
	nearby, err := c.gatherNearby(ctx, volumes, "")
	if err != nil {
		return nil, err
	}
	return nearby.details, nil
}

func (c *Client) gatherNearby(ctx context.Context, volumes []domain.Volume4D, excludeID string) (*nearbyAirspace, error) {
	aoi, err := areaOfInterest(volumes)
	if err != nil {
		return nil, err
	}
	refs, err := c.queryIntentRefs(ctx, aoi)
	if err != nil {
		return nil, err
	}
	constraintRefs, err := c.queryConstraintRefs(ctx, aoi)
	if err != nil {
		return nil, err
	}
	out := &nearbyAirspace{}
	for _, ref := range refs {
		if ref.ID == excludeID {
			// skip our own record but remember its freshest OVN
			out.ownOVN = ref.OVN
			continue
		}
		if ref.OVN != "" {
			out.keys = append(out.keys, ref.OVN)
		}
		details, err := c.intentDetails(ctx, ref)
		if err != nil {
			return nil, err
		}
		out.details = append(out.details, details)
		vols := append(append([]domain.Volume4D{}, details.Volumes...), details.OffNominalVolumes...)
		out.candidates = append(out.candidates, spatial.Candidate{
			ID:      spatial.IDFromString(ref.ID),
			OVN:     ref.OVN,
			Volumes: vols,
		})
	}
	for _, cref := range constraintRefs {
		if cref.OVN != "" {
			out.keys = append(out.keys, cref.OVN)
		}
		vols, err := c.Peers.GetConstraint(ctx, cref.USSBaseURL, cref.ID)
		if err != nil {
			return nil, &PeerUnreachableError{BaseURL: cref.USSBaseURL, Err: err}
		}
		for i, v := range vols {
			id := cref.ID
			if len(vols) > 1 {
				id = fmt.Sprintf("%s-%d", cref.ID, i)
			}
			out.constraints = append(out.constraints, domain.Geofence{
				ID:        id,
				OVN:       cref.OVN,
				Geometry:  v,
				Source:    "registry",
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			})
		}
	}
	return out, nil
}

// intentDetails resolves an intent's volumes: from the local store for our
// own records, from the owning provider's endpoint otherwise.
func (c *Client) intentDetails(ctx context.Context, ref wireIntentRef) (domain.OperationalIntentDetails, error) {
	if ref.Manager == c.Manager {
		details, err := c.Local.GetIntentDetails(ctx, ref.ID)
		if err != nil {
			return details, fmt.Errorf("local details for intent %s: %w", ref.ID, err)
		}
		return details, nil
	}
	intent, err := c.Peers.GetIntent(ctx, ref.USSBaseURL, ref.ID)
	if err != nil {
		return domain.OperationalIntentDetails{}, &PeerUnreachableError{BaseURL: ref.USSBaseURL, Err: err}
	}
	if intent.Reference.ID != "" && intent.Reference.ID != ref.ID {
		return domain.OperationalIntentDetails{}, &PeerDataError{
			BaseURL: ref.USSBaseURL, IntentID: ref.ID, Reason: "intent id mismatch",
		}
	}
	if len(intent.Details.Volumes) == 0 && len(intent.Details.OffNominalVolumes) == 0 {
		return domain.OperationalIntentDetails{}, &PeerDataError{
			BaseURL: ref.USSBaseURL, IntentID: ref.ID, Reason: "intent has no volumes",
		}
	}
	return intent.Details, nil
}

// areaOfInterest builds the single query volume covering the whole set: its
// bounding box, full altitude span and full time window.
func areaOfInterest(volumes []domain.Volume4D) (domain.Volume4D, error) {
	if err := geo.ValidateVolumes(volumes); err != nil {
		return domain.Volume4D{}, err
	}
	start, end, err := geo.TimeWindow(volumes)
	if err != nil {
		return domain.Volume4D{}, err
	}
	box := geo.BoundingBox(volumes)
	lower, upper := volumes[0].Volume.AltitudeLower.Value, volumes[0].Volume.AltitudeUpper.Value
	for _, v := range volumes[1:] {
		if v.Volume.AltitudeLower.Value < lower {
			lower = v.Volume.AltitudeLower.Value
		}
		if v.Volume.AltitudeUpper.Value > upper {
			upper = v.Volume.AltitudeUpper.Value
		}
	}
	return domain.Volume4D{
		Volume: domain.Volume3D{
			OutlinePolygon: &domain.Polygon{Vertices: []domain.LatLngPoint{
				{Lng: box.MinX, Lat: box.MinY},
				{Lng: box.MaxX, Lat: box.MinY},
				{Lng: box.MaxX, Lat: box.MaxY},
				{Lng: box.MinX, Lat: box.MaxY},
			}},
			AltitudeLower: domain.Altitude{Value: lower, Reference: "W84", Units: "M"},
			AltitudeUpper: domain.Altitude{Value: upper, Reference: "W84", Units: "M"},
		},
		TimeStart: domain.TimePoint{Value: start.UTC().Format(time.RFC3339), Format: "RFC3339"},
		TimeEnd:   domain.TimePoint{Value: end.UTC().Format(time.RFC3339), Format: "RFC3339"},
	}, nil
}

// failureResult maps an error from the gather or submit phase to its result
// status.
func failureResult(err error) SubmissionResult {
	var pu *PeerUnreachableError
	if errors.As(err, &pu) {
		return SubmissionResult{Status: StatusPeerUnreachable, Message: err.Error()}
	}
	var pd *PeerDataError
	if errors.As(err, &pd) {
		return SubmissionResult{Status: StatusPeerDataInvalid, Message: err.Error()}
	}
	var re *RegistryError
	if errors.As(err, &re) && re.Status != 0 {
		return SubmissionResult{Status: re.Status, Message: err.Error()}
	}
	return SubmissionResult{Status: StatusLocalConflict, Message: err.Error()}
}
