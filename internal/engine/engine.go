// Package engine coordinates the operational-intent lifecycle: declaration
// validation, self-deconfliction, Registry synchronization, conformance
// monitoring and peer notification.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"skylane/internal/auth"
	"skylane/internal/config"
	"skylane/internal/conformance"
	"skylane/internal/domain"
	"skylane/internal/events"
	"skylane/internal/geo"
	"skylane/internal/opstate"
	"skylane/internal/peer"
	"skylane/internal/registry"
	"skylane/internal/repo"
	"skylane/internal/spatial"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Client
	Notifier *peer.Notifier
	Now      func() time.Time

	mu    sync.Mutex
	locks map[string]*opLock
}

// opLock is one operation's serialization point. refs counts holders plus
// waiters so the map entry can be dropped once nobody needs it.
type opLock struct {
	mu   sync.Mutex
	refs int
}

// New wires an engine from an open database and config. The Registry client
// and notifier are only constructed when network participation is enabled.
func New(db *sql.DB, cfg *config.Config) *Engine {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  make(map[string]*opLock),
	}
	if cfg != nil && cfg.Deconfliction.EnableNetwork {
		tokens := &auth.Tokens{
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
		}
		peers := &peer.Client{Tokens: tokens, Scope: cfg.Auth.Scope}
		audience := cfg.Registry.Audience
		if audience == "" {
			audience = auth.AudienceOf(cfg.Registry.BaseURL)
		}
		e.Registry = &registry.Client{
			BaseURL:     cfg.Registry.BaseURL,
			Audience:    audience,
			Scope:       cfg.Auth.Scope,
			Manager:     cfg.Provider.Manager,
			OwnBaseURL:  cfg.Provider.BaseURL,
			MaxPriority: cfg.Deconfliction.MaxPriority,
			Tokens:      tokens,
			Peers:       peers,
			Local:       e.Repo,
			HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		}
		e.Notifier = &peer.Notifier{
			Client:      peers,
			OwnBaseURL:  cfg.Provider.BaseURL,
			TestDomains: cfg.Notify.TestDomains,
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockOperation serializes units of work for one operation so a scheduled
// conformance check cannot clobber a racing state change's OVN. The lock's
// map entry is removed when the last holder or waiter releases it, so the
// map only tracks operations with work in flight.
func (e *Engine) lockOperation(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*opLock)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &opLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) maxSilence() time.Duration {
	if e.Config != nil && e.Config.Conformance.MaxSilenceSeconds > 0 {
		return time.Duration(e.Config.Conformance.MaxSilenceSeconds) * time.Second
	}
	return conformance.DefaultMaxSilence
}

// OperationCreateOptions are parameters for declaring a new operation.
type OperationCreateOptions struct {
	ID         string
	AircraftID string
	Priority   int
	Volumes    []domain.Volume4D
	ActorID    string
}

// CreateOperation validates the declaration, self-deconflicts against this
// provider's own operations and geofences, and (when network participation
// is enabled) submits the intent to the Registry. A blocked operation is
// persisted as rejected; a Registry or peer failure leaves it not_submitted
// and surfaces the error.
func (e *Engine) CreateOperation(ctx context.Context, opts OperationCreateOptions) (domain.FlightOperation, error) {
	if opts.AircraftID == "" {
		return domain.FlightOperation{}, ValidationError{Reason: "aircraft_id is required"}
	}
	if err := geo.ValidateVolumes(opts.Volumes); err != nil {
		return domain.FlightOperation{}, ValidationError{Reason: err.Error()}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	unlock := e.lockOperation(id)
	defer unlock()

	start, end, err := geo.TimeWindow(opts.Volumes)
	if err != nil {
		return domain.FlightOperation{}, ValidationError{Reason: err.Error()}
	}
	bbox := geo.BoundingBox(opts.Volumes)
	bboxJSON, err := json.Marshal(bbox)
	if err != nil {
		return domain.FlightOperation{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	bboxStr := string(bboxJSON)
	op := domain.FlightOperation{
		ID:         id,
		AircraftID: opts.AircraftID,
		State:      domain.StateNotSubmitted,
		TimeStart:  start.UTC().Format(time.RFC3339),
		TimeEnd:    end.UTC().Format(time.RFC3339),
		BBoxJSON:   &bboxStr,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	details := domain.OperationalIntentDetails{Volumes: opts.Volumes, Priority: opts.Priority}

	hits, err := e.selfConflicts(ctx, id, opts.Volumes, start, end)
	if err != nil {
		return op, err
	}
	if len(hits) > 0 && opts.Priority < e.maxPriority() {
		op.State = domain.StateRejected
		if err := e.persistNewOperation(ctx, op, details, opts.ActorID, events.EventPayload{
			"reason":    "self_deconfliction",
			"conflicts": len(hits),
		}); err != nil {
			return op, err
		}
		return op, LocalConflictError{ConflictingIDs: hits}
	}

	if err := e.persistNewOperation(ctx, op, details, opts.ActorID, nil); err != nil {
		return op, err
	}

	if e.Registry == nil {
		// no network participation: accept locally
		return e.acceptLocally(ctx, op, opts.ActorID)
	}

	result, err := e.Registry.Create(ctx, id, domain.StateAccepted, opts.Priority, opts.Volumes, nil)
	if err != nil {
		e.appendEvent(ctx, "intent.submit.failed", op.ID, "operation", op.ID, opts.ActorID, events.EventPayload{
			"status": result.Status, "error": err.Error(),
		})
		return op, err
	}
	if result.Status == registry.StatusLocalConflict {
		op.State = domain.StateRejected
		op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.updateOperationState(ctx, op, nil, nil, opts.ActorID, "operation.rejected", events.EventPayload{
			"reason": "registry_area_conflict",
		}); err != nil {
			return op, err
		}
		return op, LocalConflictError{ConflictingIDs: result.ConflictingIDs}
	}

	next := opstate.Apply(op.State, opstate.EventRegistryAccepts)
	if !opstate.Verify(op.State, next, opstate.EventRegistryAccepts) {
		return op, InvalidTransitionError{From: op.State, Event: opstate.EventRegistryAccepts}
	}
	op.State = next
	op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.updateOperationState(ctx, op, result.Reference, &details, opts.ActorID, "operation.accepted", events.EventPayload{
		"ovn": result.Reference.OVN,
	}); err != nil {
		return op, err
	}
	e.storeConstraints(ctx, result.Constraints)
	e.notify(ctx, op.ID, result.Reference, details, result.Subscribers)
	return op, nil
}

// TransitionOptions are parameters for applying a lifecycle event.
type TransitionOptions struct {
	ID      string
	Event   string
	ActorID string
}

// TransitionOperation applies a lifecycle event to an operation, pushing the
// resulting state to the Registry first when the operation holds an intent
// record. A Registry rejection (including a stale OVN) never mutates local
// state.
func (e *Engine) TransitionOperation(ctx context.Context, opts TransitionOptions) (domain.FlightOperation, error) {
	unlock := e.lockOperation(opts.ID)
	defer unlock()

	op, err := e.Repo.GetOperation(ctx, opts.ID)
	if err != nil {
		return op, err
	}
	next := opstate.Apply(op.State, opts.Event)
	if next == op.State {
		return op, InvalidTransitionError{From: op.State, Event: opts.Event}
	}
	if !opstate.Verify(op.State, next, opts.Event) {
		return op, InvalidTransitionError{From: op.State, Event: opts.Event}
	}

	ref, refErr := e.Repo.GetIntentRef(ctx, op.ID)
	hasRef := refErr == nil
	if refErr != nil && !errors.Is(refErr, repo.ErrNotFound) {
		return op, refErr
	}

	details, err := e.Repo.GetIntentDetails(ctx, op.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return op, err
	}

	var newRef *domain.OperationalIntentReference
	var subscribers []domain.Subscriber
	if hasRef && e.Registry != nil {
		if next == domain.StateEnded {
			res, err := e.Registry.Delete(ctx, ref.ID, ref.OVN)
			if err != nil {
				e.appendEvent(ctx, "intent.delete.failed", op.ID, "operation", op.ID, opts.ActorID, events.EventPayload{
					"status": res.Status, "error": err.Error(),
				})
				return op, err
			}
			subscribers = res.Subscribers
		} else {
			offNominal := details.OffNominalVolumes
			switch next {
			case domain.StateNonconforming, domain.StateContingent:
				// declared volumes become off-nominal while outside them
				offNominal = details.Volumes
			case domain.StateActivated:
				offNominal = nil
			}
			extents := append(append([]domain.Volume4D{}, details.Volumes...), offNominal...)
			conflictCheck := next != domain.StateNonconforming && next != domain.StateContingent
			res, err := e.Registry.Update(ctx, ref.ID, ref.OVN, extents, op.State, next, details.Priority, conflictCheck)
			if err != nil {
				e.appendEvent(ctx, "intent.update.failed", op.ID, "operation", op.ID, opts.ActorID, events.EventPayload{
					"status": res.Status, "error": err.Error(),
				})
				return op, err
			}
			if res.Suppressed {
				return op, LocalConflictError{ConflictingIDs: res.ConflictingIDs}
			}
			newRef = res.Reference
			subscribers = res.Subscribers
			details.OffNominalVolumes = offNominal
		}
	}

	op.State = next
	op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	var detailsPtr *domain.OperationalIntentDetails
	if newRef != nil {
		detailsPtr = &details
	}
	if err := e.updateOperationState(ctx, op, newRef, detailsPtr, opts.ActorID, "operation.transitioned", events.EventPayload{
		"event": opts.Event,
		"to":    next,
	}); err != nil {
		return op, err
	}
	if opstate.Terminal(next) && hasRef {
		if err := e.dropIntentRef(ctx, op.ID); err != nil {
			return op, err
		}
	}
	if next == domain.StateEnded && hasRef {
		e.notify(ctx, op.ID, nil, details, subscribers)
	} else if newRef != nil {
		e.notify(ctx, op.ID, newRef, details, subscribers)
	}
	return op, nil
}

// DeleteOperation withdraws the intent from the Registry and removes the
// operation locally.
func (e *Engine) DeleteOperation(ctx context.Context, id, actorID string) error {
	unlock := e.lockOperation(id)
	defer unlock()

	op, err := e.Repo.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	ref, refErr := e.Repo.GetIntentRef(ctx, id)
	details, _ := e.Repo.GetIntentDetails(ctx, id)
	var subscribers []domain.Subscriber
	if refErr == nil && e.Registry != nil && !opstate.Terminal(op.State) {
		res, err := e.Registry.Delete(ctx, ref.ID, ref.OVN)
		if err != nil {
			return err
		}
		subscribers = res.Subscribers
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOperation(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "operation.deleted", id, "operation", id, actorID, events.EventPayload{
		"state": op.State,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if refErr == nil {
		e.notify(ctx, id, nil, details, subscribers)
	}
	return nil
}

// IngestTelemetry stores a report and runs the telemetry conformance
// pipeline against it, recording a violation event for any non-conformant
// code.
func (e *Engine) IngestTelemetry(ctx context.Context, t domain.Telemetry, actorID string) (conformance.Code, error) {
	unlock := e.lockOperation(t.OperationID)
	defer unlock()

	op, err := e.Repo.GetOperation(ctx, t.OperationID)
	if err != nil {
		return 0, err
	}
	if t.RecordedAt == "" {
		t.RecordedAt = e.now().UTC().Format(time.RFC3339)
	}
	op.LastTelemetryAt = &t.RecordedAt
	op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTelemetry(ctx, tx, t); err != nil {
		return 0, err
	}
	if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	ref, err := e.Repo.GetIntentRef(ctx, op.ID)
	var refPtr *domain.OperationalIntentReference
	if err == nil {
		refPtr = &ref
	} else if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	details, err := e.Repo.GetIntentDetails(ctx, op.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	geofences, err := e.Repo.ListGeofences(ctx)
	if err != nil {
		return 0, err
	}
	code := conformance.CheckTelemetry(conformance.TelemetryCheck{
		Operation: op,
		Reference: refPtr,
		Volumes:   details.Volumes,
		Telemetry: t,
		Geofences: geofences,
		Now:       e.now(),
	})
	if code != conformance.Conformant {
		e.appendEvent(ctx, "conformance.violation", op.ID, "telemetry", "", actorID, events.EventPayload{
			"code":  int(code),
			"check": code.String(),
		})
	}
	return code, nil
}

// RunConformanceCheck runs the telemetry-free pipeline for one operation.
// An operation already nonconforming that has gone silent is escalated to
// contingent.
func (e *Engine) RunConformanceCheck(ctx context.Context, id, actorID string) (conformance.Code, error) {
	op, err := e.Repo.GetOperation(ctx, id)
	if err != nil {
		return 0, err
	}
	ref, err := e.Repo.GetIntentRef(ctx, id)
	var refPtr *domain.OperationalIntentReference
	if err == nil {
		refPtr = &ref
	} else if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	code := conformance.CheckReference(op, refPtr, e.now(), e.maxSilence())
	if code == conformance.Conformant {
		return code, nil
	}
	e.appendEvent(ctx, "conformance.violation", op.ID, "operation", op.ID, actorID, events.EventPayload{
		"code":  int(code),
		"check": code.String(),
	})
	if code == conformance.C9 && op.State == domain.StateNonconforming {
		if _, err := e.TransitionOperation(ctx, TransitionOptions{
			ID: id, Event: opstate.EventTimeout, ActorID: actorID,
		}); err != nil {
			return code, err
		}
	}
	return code, nil
}

// ImportGeofences parses a GeoJSON FeatureCollection into locally managed
// no-fly geofences.
func (e *Engine) ImportGeofences(ctx context.Context, data []byte, name, actorID string) ([]domain.Geofence, error) {
	vols, err := geo.GeoJSONToVolumes(data)
	if err != nil {
		return nil, ValidationError{Reason: err.Error()}
	}
	if err := geo.ValidateVolumes(vols); err != nil {
		return nil, ValidationError{Reason: err.Error()}
	}
	now := e.now().UTC().Format(time.RFC3339)
	var out []domain.Geofence
	for _, v := range vols {
		g := domain.Geofence{
			ID:        uuid.New().String(),
			Name:      name,
			Geometry:  v,
			Source:    "local",
			CreatedAt: now,
		}
		if err := e.Repo.UpsertGeofence(ctx, nil, g); err != nil {
			return out, err
		}
		out = append(out, g)
	}
	return out, nil
}

// --- internals ---

func (e *Engine) maxPriority() int {
	if e.Config != nil && e.Config.Deconfliction.MaxPriority > 0 {
		return e.Config.Deconfliction.MaxPriority
	}
	return 100
}

// selfConflicts runs the two-stage spatial test against this provider's own
// active operations and geofences.
func (e *Engine) selfConflicts(ctx context.Context, excludeID string, volumes []domain.Volume4D, start, end time.Time) ([]uuid.UUID, error) {
	active, err := e.Repo.ActiveOperations(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []spatial.Candidate
	for _, other := range active {
		if other.ID == excludeID {
			continue
		}
		details, err := e.Repo.GetIntentDetails(ctx, other.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		vols := append(append([]domain.Volume4D{}, details.Volumes...), details.OffNominalVolumes...)
		candidates = append(candidates, spatial.Candidate{ID: spatial.IDFromString(other.ID), Volumes: vols})
	}
	geofences, err := e.Repo.ListGeofences(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range geofences {
		candidates = append(candidates, spatial.Candidate{
			ID:      spatial.IDFromString(g.ID),
			Volumes: []domain.Volume4D{g.Geometry},
		})
	}
	index := spatial.New(start, end, candidates)
	return index.ConflictsWith(volumes), nil
}

func (e *Engine) persistNewOperation(ctx context.Context, op domain.FlightOperation, details domain.OperationalIntentDetails, actorID string, rejection events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOperation(ctx, tx, op); err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if err := e.Repo.UpsertIntentDetails(ctx, tx, op.ID, details); err != nil {
		return fmt.Errorf("insert intent details: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "operation.created", op.ID, "operation", op.ID, actorID, events.EventPayload{
		"state": op.State, "aircraft_id": op.AircraftID,
	}); err != nil {
		return err
	}
	if rejection != nil {
		if err := e.Events.Append(ctx, tx, "operation.rejected", op.ID, "operation", op.ID, actorID, rejection); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// updateOperationState writes the new state, intent reference and details in
// one transaction together with its audit event.
func (e *Engine) updateOperationState(ctx context.Context, op domain.FlightOperation, ref *domain.OperationalIntentReference, details *domain.OperationalIntentDetails, actorID, eventType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
		return err
	}
	if ref != nil {
		if err := e.Repo.UpsertIntentRef(ctx, tx, *ref); err != nil {
			return err
		}
	}
	if details != nil {
		if err := e.Repo.UpsertIntentDetails(ctx, tx, op.ID, *details); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, eventType, op.ID, "operation", op.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// dropIntentRef removes the local Registry record after its remote
// counterpart is gone.
func (e *Engine) dropIntentRef(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteIntentRef(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) acceptLocally(ctx context.Context, op domain.FlightOperation, actorID string) (domain.FlightOperation, error) {
	next := opstate.Apply(op.State, opstate.EventRegistryAccepts)
	if !opstate.Verify(op.State, next, opstate.EventRegistryAccepts) {
		return op, InvalidTransitionError{From: op.State, Event: opstate.EventRegistryAccepts}
	}
	op.State = next
	op.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.updateOperationState(ctx, op, nil, nil, actorID, "operation.accepted", events.EventPayload{
		"network": false,
	}); err != nil {
		return op, err
	}
	return op, nil
}

func (e *Engine) storeConstraints(ctx context.Context, constraints []domain.Geofence) {
	for _, g := range constraints {
		if err := e.Repo.UpsertGeofence(ctx, nil, g); err != nil {
			e.appendEvent(ctx, "geofence.store.failed", "", "geofence", g.ID, "system", events.EventPayload{
				"error": err.Error(),
			})
		}
	}
}

// notify fans out to subscribers after the local commit. Delivery failures
// are logged by the notifier and never roll back the committed change.
func (e *Engine) notify(ctx context.Context, id string, ref *domain.OperationalIntentReference, details domain.OperationalIntentDetails, subscribers []domain.Subscriber) {
	if e.Notifier == nil || len(subscribers) == 0 {
		return
	}
	var intent *domain.OperationalIntent
	if ref != nil {
		intent = &domain.OperationalIntent{Reference: *ref, Details: details}
	}
	delivered := e.Notifier.Fanout(ctx, id, intent, subscribers)
	e.appendEvent(ctx, "peer.notified", id, "operation", id, "system", events.EventPayload{
		"subscribers": len(subscribers),
		"delivered":   delivered,
	})
}

// appendEvent writes a standalone audit event outside any caller transaction.
func (e *Engine) appendEvent(ctx context.Context, evtType, operationID, entityKind, entityID, actorID string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, operationID, entityKind, entityID, actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}
