package engine_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"skylane/internal/auth"
	"skylane/internal/config"
	"skylane/internal/conformance"
	"skylane/internal/db"
	"skylane/internal/domain"
	"skylane/internal/engine"
	"skylane/internal/geo"
	"skylane/internal/migrate"
	"skylane/internal/opstate"
	"skylane/internal/registry"
	"skylane/internal/repo"
)

var engNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	t    *testing.T
	conn *sql.DB
	eng  *engine.Engine
	repo repo.Repo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{}
	cfg.Provider.Manager = "skylane-test"
	cfg.Provider.BaseURL = "https://self.example.com"
	cfg.Deconfliction.MaxPriority = 100
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return engNow }
	return &testEnv{t: t, conn: conn, eng: eng, repo: repo.Repo{DB: conn}}
}

func (env *testEnv) inTx(fn func(tx *sql.Tx) error) {
	env.t.Helper()
	tx, err := env.conn.BeginTx(context.Background(), nil)
	if err != nil {
		env.t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		env.t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		env.t.Fatalf("commit: %v", err)
	}
}

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// volume returns a square around lng/lat, altitude 0-120 m, from ten
// minutes before engNow to fifty minutes after.
func volume(lng, lat, half float64) domain.Volume4D {
	return domain.Volume4D{
		Volume: domain.Volume3D{
			OutlinePolygon: &domain.Polygon{Vertices: []domain.LatLngPoint{
				{Lng: lng - half, Lat: lat - half},
				{Lng: lng + half, Lat: lat - half},
				{Lng: lng + half, Lat: lat + half},
				{Lng: lng - half, Lat: lat + half},
			}},
			AltitudeLower: domain.Altitude{Value: 0, Reference: "W84", Units: "M"},
			AltitudeUpper: domain.Altitude{Value: 120, Reference: "W84", Units: "M"},
		},
		TimeStart: domain.TimePoint{Value: rfc3339(engNow.Add(-10 * time.Minute)), Format: "RFC3339"},
		TimeEnd:   domain.TimePoint{Value: rfc3339(engNow.Add(50 * time.Minute)), Format: "RFC3339"},
	}
}

func (env *testEnv) createOperation(lng, lat float64) domain.FlightOperation {
	env.t.Helper()
	op, err := env.eng.CreateOperation(context.Background(), engine.OperationCreateOptions{
		AircraftID: "HB-5001",
		Volumes:    []domain.Volume4D{volume(lng, lat, 0.001)},
		ActorID:    "operator-1",
	})
	if err != nil {
		env.t.Fatalf("CreateOperation: %v", err)
	}
	return op
}

// attachIntentRef simulates a successful Registry submission for tests that
// exercise conformance checks without network participation.
func (env *testEnv) attachIntentRef(opID string) {
	env.t.Helper()
	env.inTx(func(tx *sql.Tx) error {
		return env.repo.UpsertIntentRef(context.Background(), tx, domain.OperationalIntentReference{
			ID:         opID,
			Manager:    "skylane-test",
			State:      domain.StateAccepted,
			Version:    1,
			OVN:        "ovn-1",
			TimeStart:  rfc3339(engNow.Add(-10 * time.Minute)),
			TimeEnd:    rfc3339(engNow.Add(50 * time.Minute)),
			USSBaseURL: "https://self.example.com",
		})
	})
}

func eventTypes(t *testing.T, r repo.Repo, opID string) []string {
	t.Helper()
	evts, err := r.ListEvents(context.Background(), opID, 50)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func hasEvent(types []string, want string) bool {
	for _, tp := range types {
		if tp == want {
			return true
		}
	}
	return false
}

func TestCreateOperationAcceptedLocally(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)

	if op.State != domain.StateAccepted {
		t.Fatalf("state = %q, want %q", op.State, domain.StateAccepted)
	}
	stored, err := env.repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.State != domain.StateAccepted {
		t.Errorf("stored state = %q, want %q", stored.State, domain.StateAccepted)
	}
	if stored.BBoxJSON == nil {
		t.Error("stored operation has no bounding box")
	}
	details, err := env.repo.GetIntentDetails(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetIntentDetails: %v", err)
	}
	if len(details.Volumes) != 1 {
		t.Errorf("details volumes = %d, want 1", len(details.Volumes))
	}
	types := eventTypes(t, env.repo, op.ID)
	if !hasEvent(types, "operation.created") || !hasEvent(types, "operation.accepted") {
		t.Errorf("event log = %v, want created and accepted", types)
	}
}

func TestCreateOperationValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		opts engine.OperationCreateOptions
	}{
		{"missing aircraft", engine.OperationCreateOptions{
			Volumes: []domain.Volume4D{volume(4, 52, 0.001)},
		}},
		{"no volumes", engine.OperationCreateOptions{AircraftID: "HB-5001"}},
		{"inverted window", engine.OperationCreateOptions{
			AircraftID: "HB-5001",
			Volumes: []domain.Volume4D{{
				Volume:    volume(4, 52, 0.001).Volume,
				TimeStart: domain.TimePoint{Value: rfc3339(engNow.Add(time.Hour)), Format: "RFC3339"},
				TimeEnd:   domain.TimePoint{Value: rfc3339(engNow), Format: "RFC3339"},
			}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.eng.CreateOperation(context.Background(), tt.opts)
			var ve engine.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestCreateSelfConflictRejected(t *testing.T) {
	env := newTestEnv(t)
	first := env.createOperation(4.0, 52.0)

	blocked, err := env.eng.CreateOperation(context.Background(), engine.OperationCreateOptions{
		AircraftID: "HB-5002",
		Volumes:    []domain.Volume4D{volume(4.0, 52.0, 0.001)},
		ActorID:    "operator-1",
	})
	var lce engine.LocalConflictError
	if !errors.As(err, &lce) {
		t.Fatalf("err = %v, want LocalConflictError", err)
	}
	if len(lce.ConflictingIDs) != 1 || lce.ConflictingIDs[0] != uuid.MustParse(first.ID) {
		t.Errorf("conflicting ids = %v, want [%s]", lce.ConflictingIDs, first.ID)
	}
	stored, err := env.repo.GetOperation(context.Background(), blocked.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.State != domain.StateRejected {
		t.Errorf("blocked operation state = %q, want %q", stored.State, domain.StateRejected)
	}
	if !hasEvent(eventTypes(t, env.repo, blocked.ID), "operation.rejected") {
		t.Error("rejection was not recorded in the event log")
	}
}

func TestCreateMaximumPriorityBypassesSelfConflict(t *testing.T) {
	env := newTestEnv(t)
	env.createOperation(4.0, 52.0)

	op, err := env.eng.CreateOperation(context.Background(), engine.OperationCreateOptions{
		AircraftID: "HB-RESCUE",
		Priority:   100,
		Volumes:    []domain.Volume4D{volume(4.0, 52.0, 0.001)},
		ActorID:    "operator-1",
	})
	if err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if op.State != domain.StateAccepted {
		t.Fatalf("state = %q, want %q", op.State, domain.StateAccepted)
	}
}

func TestCreateConflictWithGeofence(t *testing.T) {
	env := newTestEnv(t)
	fence := domain.Geofence{
		ID:        uuid.NewString(),
		Name:      "airport zone",
		Geometry:  volume(4.0, 52.0, 0.01),
		Source:    "local",
		CreatedAt: rfc3339(engNow),
	}
	if err := env.repo.UpsertGeofence(context.Background(), nil, fence); err != nil {
		t.Fatalf("UpsertGeofence: %v", err)
	}

	_, err := env.eng.CreateOperation(context.Background(), engine.OperationCreateOptions{
		AircraftID: "HB-5001",
		Volumes:    []domain.Volume4D{volume(4.0, 52.0, 0.001)},
	})
	var lce engine.LocalConflictError
	if !errors.As(err, &lce) {
		t.Fatalf("err = %v, want LocalConflictError", err)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)

	ctx := context.Background()
	op, err := env.eng.TransitionOperation(ctx, engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates, ActorID: "operator-1",
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if op.State != domain.StateActivated {
		t.Fatalf("state = %q, want %q", op.State, domain.StateActivated)
	}
	op, err = env.eng.TransitionOperation(ctx, engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorConfirmsEnded, ActorID: "operator-1",
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if op.State != domain.StateEnded {
		t.Fatalf("state = %q, want %q", op.State, domain.StateEnded)
	}

	_, err = env.eng.TransitionOperation(ctx, engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError after terminal state", err)
	}
}

func TestTransitionRejectsUnmatchedEvent(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)

	_, err := env.eng.TransitionOperation(context.Background(), engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventTimeout,
	})
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	stored, err := env.repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.State != domain.StateAccepted {
		t.Errorf("state mutated to %q on a rejected event", stored.State)
	}
}

func TestDeleteOperation(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)

	if err := env.eng.DeleteOperation(context.Background(), op.ID, "operator-1"); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	if _, err := env.repo.GetOperation(context.Background(), op.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIngestTelemetryConformant(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)
	env.attachIntentRef(op.ID)
	if _, err := env.eng.TransitionOperation(context.Background(), engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates,
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	code, err := env.eng.IngestTelemetry(context.Background(), domain.Telemetry{
		OperationID: op.ID,
		AircraftID:  "HB-5001",
		Lng:         4.0,
		Lat:         52.0,
		AltitudeM:   50,
		RecordedAt:  rfc3339(engNow),
	}, "operator-1")
	if err != nil {
		t.Fatalf("IngestTelemetry: %v", err)
	}
	if code != conformance.Conformant {
		t.Fatalf("code = %d (%s), want conformant", code, code)
	}
	stored, err := env.repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.LastTelemetryAt == nil || *stored.LastTelemetryAt != rfc3339(engNow) {
		t.Errorf("last telemetry at = %v, want %s", stored.LastTelemetryAt, rfc3339(engNow))
	}
}

func TestIngestTelemetryAltitudeBreach(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)
	env.attachIntentRef(op.ID)
	if _, err := env.eng.TransitionOperation(context.Background(), engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates,
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	code, err := env.eng.IngestTelemetry(context.Background(), domain.Telemetry{
		OperationID: op.ID,
		AircraftID:  "HB-5001",
		Lng:         4.0,
		Lat:         52.0,
		AltitudeM:   500,
		RecordedAt:  rfc3339(engNow),
	}, "operator-1")
	if err != nil {
		t.Fatalf("IngestTelemetry: %v", err)
	}
	if code != conformance.C7b {
		t.Fatalf("code = %d, want %d", code, conformance.C7b)
	}
	if !hasEvent(eventTypes(t, env.repo, op.ID), "conformance.violation") {
		t.Error("violation was not recorded in the event log")
	}
}

func TestIngestTelemetryWithoutIntentRecord(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)

	code, err := env.eng.IngestTelemetry(context.Background(), domain.Telemetry{
		OperationID: op.ID,
		AircraftID:  "HB-5001",
		Lng:         4.0,
		Lat:         52.0,
		AltitudeM:   50,
	}, "operator-1")
	if err != nil {
		t.Fatalf("IngestTelemetry: %v", err)
	}
	if code != conformance.C2 {
		t.Fatalf("code = %d, want %d", code, conformance.C2)
	}
}

func TestConformanceCheckEscalatesSilentNonconforming(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)
	env.attachIntentRef(op.ID)
	ctx := context.Background()
	if _, err := env.eng.TransitionOperation(ctx, engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates,
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.eng.TransitionOperation(ctx, engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventExitsDeclaredVolume,
	}); err != nil {
		t.Fatalf("exit: %v", err)
	}

	stale := rfc3339(engNow.Add(-30 * time.Second))
	stored, err := env.repo.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	stored.LastTelemetryAt = &stale
	env.inTx(func(tx *sql.Tx) error {
		return env.repo.UpdateOperation(ctx, tx, stored)
	})

	code, err := env.eng.RunConformanceCheck(ctx, op.ID, "system")
	if err != nil {
		t.Fatalf("RunConformanceCheck: %v", err)
	}
	if code != conformance.C9 {
		t.Fatalf("code = %d, want %d", code, conformance.C9)
	}
	after, err := env.repo.GetOperation(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if after.State != domain.StateContingent {
		t.Fatalf("state = %q, want %q after silence escalation", after.State, domain.StateContingent)
	}
}

// attachRegistry points the engine at a fake Registry whose queries come back
// empty and whose mutations answer with putStatus.
func (env *testEnv) attachRegistry(putStatus int) {
	env.t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 3600})
	}))
	env.t.Cleanup(tokenSrv.Close)
	dss := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dss/v1/operational_intent_references/query":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"operational_intent_references": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/dss/v1/constraint_references/query":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"constraint_references": []any{}})
		default:
			http.Error(w, "registry rejected", putStatus)
		}
	}))
	env.t.Cleanup(dss.Close)
	env.eng.Registry = &registry.Client{
		BaseURL:     dss.URL,
		Audience:    "dss.example.com",
		Manager:     "skylane-test",
		OwnBaseURL:  "https://self.example.com",
		MaxPriority: 100,
		Tokens:      &auth.Tokens{TokenURL: tokenSrv.URL},
		Local:       env.repo,
	}
}

func TestStaleRegistryRejectionLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	op := env.createOperation(4.0, 52.0)
	env.attachIntentRef(op.ID)
	env.attachRegistry(http.StatusConflict)

	_, err := env.eng.TransitionOperation(context.Background(), engine.TransitionOptions{
		ID: op.ID, Event: opstate.EventOperatorActivates, ActorID: "operator-1",
	})
	var re *registry.RegistryError
	if !errors.As(err, &re) || re.Status != http.StatusConflict {
		t.Fatalf("err = %v, want RegistryError status 409", err)
	}
	stored, err := env.repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if stored.State != domain.StateAccepted {
		t.Fatalf("state = %q, want unchanged %q after registry rejection", stored.State, domain.StateAccepted)
	}
	if !hasEvent(eventTypes(t, env.repo, op.ID), "intent.update.failed") {
		t.Error("failed submission was not recorded in the event log")
	}
}

func TestImportGeofences(t *testing.T) {
	env := newTestEnv(t)
	data, err := geo.VolumesToGeoJSON([]domain.Volume4D{volume(4.0, 52.0, 0.01)})
	if err != nil {
		t.Fatalf("VolumesToGeoJSON: %v", err)
	}

	fences, err := env.eng.ImportGeofences(context.Background(), data, "airport zone", "operator-1")
	if err != nil {
		t.Fatalf("ImportGeofences: %v", err)
	}
	if len(fences) != 1 {
		t.Fatalf("imported %d geofences, want 1", len(fences))
	}
	if fences[0].Source != "local" || fences[0].Name != "airport zone" {
		t.Errorf("geofence = %+v", fences[0])
	}
	stored, err := env.repo.ListGeofences(context.Background())
	if err != nil {
		t.Fatalf("ListGeofences: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d geofences, want 1", len(stored))
	}
}
