package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"skylane/internal/auth"
	"skylane/internal/domain"
	"skylane/internal/registry"
)

var syncNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const (
	ownManager = "skylane-test"
	peerBase   = "https://peer.example.com"
	peerID     = "7d3ce0d2-1d7c-4b18-b8d8-3ca33d3fe1a1"
)

func timePoint(t time.Time) domain.TimePoint {
	return domain.TimePoint{Value: t.UTC().Format(time.RFC3339), Format: "RFC3339"}
}

// square returns a 4D volume over a small square centered on lng/lat,
// altitude 0-120 m, one hour starting at syncNow.
func square(lng, lat, half float64) domain.Volume4D {
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
		TimeStart: timePoint(syncNow),
		TimeEnd:   timePoint(syncNow.Add(time.Hour)),
	}
}

// refJSON mirrors the Registry's reference wire shape for fake responses.
type refJSON struct {
	ID         string           `json:"id"`
	Manager    string           `json:"manager"`
	State      string           `json:"state"`
	Version    int              `json:"version"`
	OVN        string           `json:"ovn,omitempty"`
	TimeStart  domain.TimePoint `json:"time_start"`
	TimeEnd    domain.TimePoint `json:"time_end"`
	USSBaseURL string           `json:"uss_base_url"`
}

type putJSON struct {
	Extents         []domain.Volume4D `json:"extents"`
	Key             []string          `json:"key"`
	State           string            `json:"state"`
	USSBaseURL      string            `json:"uss_base_url"`
	NewSubscription *struct {
		USSBaseURL           string `json:"uss_base_url"`
		NotifyForConstraints bool   `json:"notify_for_constraints"`
	} `json:"new_subscription"`
}

type putCapture struct {
	Path string
	Body putJSON
}

// fakeDSS serves the Registry endpoints the client talks to and records
// every mutation it receives.
type fakeDSS struct {
	mu          sync.Mutex
	refs        []refJSON
	constraints []refJSON
	putStatus   int
	delStatus   int
	subscribers []domain.Subscriber

	puts    []putCapture
	deletes []string
}

func (d *fakeDSS) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/dss/v1/operational_intent_references/query":
			writeJSON(w, http.StatusOK, map[string]any{"operational_intent_references": d.refs})
		case r.Method == http.MethodPost && r.URL.Path == "/dss/v1/constraint_references/query":
			writeJSON(w, http.StatusOK, map[string]any{"constraint_references": d.constraints})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/dss/v1/operational_intent_references/"):
			var body putJSON
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			d.puts = append(d.puts, putCapture{Path: r.URL.Path, Body: body})
			if d.putStatus >= 300 {
				http.Error(w, "registry rejected", d.putStatus)
				return
			}
			id := strings.Split(strings.TrimPrefix(r.URL.Path, "/dss/v1/operational_intent_references/"), "/")[0]
			writeJSON(w, http.StatusOK, map[string]any{
				"operational_intent_reference": refJSON{
					ID:         id,
					Manager:    ownManager,
					State:      body.State,
					Version:    1,
					OVN:        "ovn-new",
					TimeStart:  timePoint(syncNow),
					TimeEnd:    timePoint(syncNow.Add(time.Hour)),
					USSBaseURL: body.USSBaseURL,
				},
				"subscribers": d.subscribers,
			})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/dss/v1/operational_intent_references/"):
			d.deletes = append(d.deletes, r.URL.Path)
			if d.delStatus >= 300 {
				http.Error(w, "registry rejected", d.delStatus)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"operational_intent_reference": refJSON{},
				"subscribers":                  d.subscribers,
			})
		default:
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
		}
	})
}

func (d *fakeDSS) putCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.puts)
}

func (d *fakeDSS) lastPut(t *testing.T) putCapture {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.puts) == 0 {
		t.Fatal("no PUT received by fake registry")
	}
	return d.puts[len(d.puts)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type fakePeers struct {
	mu            sync.Mutex
	intents       map[string]domain.OperationalIntent
	constraints   map[string][]domain.Volume4D
	intentErr     error
	constraintErr error
	intentCalls   int
}

func (f *fakePeers) GetIntent(ctx context.Context, baseURL, id string) (domain.OperationalIntent, error) {
	f.mu.Lock()
	f.intentCalls++
	f.mu.Unlock()
	if f.intentErr != nil {
		return domain.OperationalIntent{}, f.intentErr
	}
	intent, ok := f.intents[id]
	if !ok {
		return domain.OperationalIntent{}, fmt.Errorf("unknown intent %s", id)
	}
	return intent, nil
}

func (f *fakePeers) GetConstraint(ctx context.Context, baseURL, id string) ([]domain.Volume4D, error) {
	if f.constraintErr != nil {
		return nil, f.constraintErr
	}
	vols, ok := f.constraints[id]
	if !ok {
		return nil, fmt.Errorf("unknown constraint %s", id)
	}
	return vols, nil
}

type fakeLocal struct {
	details map[string]domain.OperationalIntentDetails
	calls   int
}

func (f *fakeLocal) GetIntentDetails(ctx context.Context, id string) (domain.OperationalIntentDetails, error) {
	f.calls++
	details, ok := f.details[id]
	if !ok {
		return domain.OperationalIntentDetails{}, fmt.Errorf("no local details for %s", id)
	}
	return details, nil
}

func newTestClient(t *testing.T, dss *fakeDSS, peers *fakePeers, local *fakeLocal) *registry.Client {
	t.Helper()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "test-token", "expires_in": 3600})
	}))
	t.Cleanup(tokenSrv.Close)
	dssSrv := httptest.NewServer(dss.handler())
	t.Cleanup(dssSrv.Close)
	if peers == nil {
		peers = &fakePeers{}
	}
	if local == nil {
		local = &fakeLocal{}
	}
	return &registry.Client{
		BaseURL:     dssSrv.URL,
		Audience:    "registry.example.com",
		Scope:       "utm.strategic_coordination",
		Manager:     ownManager,
		OwnBaseURL:  "https://self.example.com",
		MaxPriority: 100,
		Tokens:      &auth.Tokens{TokenURL: tokenSrv.URL},
		Peers:       peers,
		Local:       local,
	}
}

func peerRef(ovn string) refJSON {
	return refJSON{
		ID:         peerID,
		Manager:    "other-provider",
		State:      "Accepted",
		Version:    1,
		OVN:        ovn,
		TimeStart:  timePoint(syncNow),
		TimeEnd:    timePoint(syncNow.Add(time.Hour)),
		USSBaseURL: peerBase,
	}
}

func peerIntent(vols ...domain.Volume4D) domain.OperationalIntent {
	return domain.OperationalIntent{
		Reference: domain.OperationalIntentReference{ID: peerID, Manager: "other-provider", OVN: "ovn-peer"},
		Details:   domain.OperationalIntentDetails{Volumes: vols},
	}
}

func TestCreateSubmitsConflictKeys(t *testing.T) {
	dss := &fakeDSS{
		refs: []refJSON{peerRef("ovn-peer")},
		constraints: []refJSON{{
			ID: "c1", Manager: "authority", Version: 1, OVN: "ovn-constraint",
			TimeStart: timePoint(syncNow), TimeEnd: timePoint(syncNow.Add(time.Hour)),
			USSBaseURL: peerBase,
		}},
		subscribers: []domain.Subscriber{{USSBaseURL: peerBase}},
	}
	peers := &fakePeers{
		intents:     map[string]domain.OperationalIntent{peerID: peerIntent(square(4.5, 52.1, 0.001))},
		constraints: map[string][]domain.Volume4D{"c1": {square(4.6, 52.2, 0.001)}},
	}
	client := newTestClient(t, dss, peers, nil)

	id := uuid.NewString()
	res, err := client.Create(context.Background(), id, domain.StateAccepted, 0, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != registry.StatusCreated {
		t.Fatalf("status = %d, want %d", res.Status, registry.StatusCreated)
	}
	if res.Reference == nil || res.Reference.OVN != "ovn-new" {
		t.Fatalf("reference = %+v, want OVN ovn-new", res.Reference)
	}
	if res.Reference.State != domain.StateAccepted {
		t.Errorf("reference state = %q, want local form %q", res.Reference.State, domain.StateAccepted)
	}
	if len(res.Subscribers) != 1 || res.Subscribers[0].USSBaseURL != peerBase {
		t.Errorf("subscribers = %+v", res.Subscribers)
	}
	if len(res.Constraints) != 1 {
		t.Fatalf("constraints = %+v, want 1", res.Constraints)
	}
	if res.Constraints[0].Source != "registry" || res.Constraints[0].OVN != "ovn-constraint" {
		t.Errorf("constraint = %+v", res.Constraints[0])
	}

	put := dss.lastPut(t)
	if !strings.HasSuffix(put.Path, "/"+id) {
		t.Errorf("put path = %s, want suffix /%s", put.Path, id)
	}
	wantKeys := map[string]bool{"ovn-peer": true, "ovn-constraint": true}
	if len(put.Body.Key) != len(wantKeys) {
		t.Fatalf("key set = %v, want %v", put.Body.Key, wantKeys)
	}
	for _, k := range put.Body.Key {
		if !wantKeys[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
	if put.Body.NewSubscription == nil || !put.Body.NewSubscription.NotifyForConstraints {
		t.Errorf("new_subscription = %+v, want notify_for_constraints", put.Body.NewSubscription)
	}
	if put.Body.State != "Accepted" {
		t.Errorf("wire state = %q, want Accepted", put.Body.State)
	}
}

func TestCreateLocalConflictDoesNotSubmit(t *testing.T) {
	dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
	peers := &fakePeers{
		intents: map[string]domain.OperationalIntent{peerID: peerIntent(square(4.0, 52.0, 0.001))},
	}
	client := newTestClient(t, dss, peers, nil)

	res, err := client.Create(context.Background(), uuid.NewString(), domain.StateAccepted, 0, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != registry.StatusLocalConflict {
		t.Fatalf("status = %d, want %d", res.Status, registry.StatusLocalConflict)
	}
	if len(res.ConflictingIDs) != 1 || res.ConflictingIDs[0] != uuid.MustParse(peerID) {
		t.Errorf("conflicting ids = %v, want [%s]", res.ConflictingIDs, peerID)
	}
	if dss.putCount() != 0 {
		t.Errorf("registry received %d PUTs, want none", dss.putCount())
	}
}

func TestCreateMaxPriorityBypassesConflictCheck(t *testing.T) {
	dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
	peers := &fakePeers{
		intents: map[string]domain.OperationalIntent{peerID: peerIntent(square(4.0, 52.0, 0.001))},
	}
	client := newTestClient(t, dss, peers, nil)

	res, err := client.Create(context.Background(), uuid.NewString(), domain.StateAccepted, 100, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != registry.StatusCreated {
		t.Fatalf("status = %d, want %d", res.Status, registry.StatusCreated)
	}
	if dss.putCount() != 1 {
		t.Errorf("registry received %d PUTs, want 1", dss.putCount())
	}
}

func TestCreateFailsClosedOnUnreachablePeer(t *testing.T) {
	dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
	peers := &fakePeers{intentErr: errors.New("connection refused")}
	client := newTestClient(t, dss, peers, nil)

	res, err := client.Create(context.Background(), uuid.NewString(), domain.StateAccepted, 0, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
	if err == nil {
		t.Fatal("Create succeeded with unreachable peer")
	}
	var pu *registry.PeerUnreachableError
	if !errors.As(err, &pu) {
		t.Fatalf("err = %v, want PeerUnreachableError", err)
	}
	if res.Status != registry.StatusPeerUnreachable {
		t.Errorf("status = %d, want %d", res.Status, registry.StatusPeerUnreachable)
	}
	if dss.putCount() != 0 {
		t.Errorf("registry received %d PUTs, want none", dss.putCount())
	}
}

func TestCreateRejectsInvalidPeerData(t *testing.T) {
	tests := []struct {
		name   string
		intent domain.OperationalIntent
	}{
		{"no volumes", domain.OperationalIntent{
			Reference: domain.OperationalIntentReference{ID: peerID},
		}},
		{"id mismatch", domain.OperationalIntent{
			Reference: domain.OperationalIntentReference{ID: uuid.NewString()},
			Details:   domain.OperationalIntentDetails{Volumes: []domain.Volume4D{square(5, 53, 0.001)}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
			peers := &fakePeers{intents: map[string]domain.OperationalIntent{peerID: tt.intent}}
			client := newTestClient(t, dss, peers, nil)

			res, err := client.Create(context.Background(), uuid.NewString(), domain.StateAccepted, 0, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
			var pd *registry.PeerDataError
			if !errors.As(err, &pd) {
				t.Fatalf("err = %v, want PeerDataError", err)
			}
			if res.Status != registry.StatusPeerDataInvalid {
				t.Errorf("status = %d, want %d", res.Status, registry.StatusPeerDataInvalid)
			}
			if dss.putCount() != 0 {
				t.Errorf("registry received %d PUTs, want none", dss.putCount())
			}
		})
	}
}

func TestCreatePassesThroughRegistryRejection(t *testing.T) {
	dss := &fakeDSS{putStatus: http.StatusConflict}
	client := newTestClient(t, dss, nil, nil)

	res, err := client.Create(context.Background(), uuid.NewString(), domain.StateAccepted, 0, []domain.Volume4D{square(4.0, 52.0, 0.001)}, nil)
	var re *registry.RegistryError
	if !errors.As(err, &re) || re.Status != http.StatusConflict {
		t.Fatalf("err = %v, want RegistryError status 409", err)
	}
	if res.Status != registry.StatusStaleOVN {
		t.Errorf("status = %d, want %d", res.Status, registry.StatusStaleOVN)
	}
}

func TestUpdateSuppressedOnConflict(t *testing.T) {
	dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
	peers := &fakePeers{
		intents: map[string]domain.OperationalIntent{peerID: peerIntent(square(4.0, 52.0, 0.001))},
	}
	client := newTestClient(t, dss, peers, nil)

	res, err := client.Update(context.Background(), uuid.NewString(), "ovn-old", []domain.Volume4D{square(4.0, 52.0, 0.001)},
		domain.StateAccepted, domain.StateActivated, 0, true)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Suppressed {
		t.Fatal("update was not suppressed")
	}
	if len(res.ConflictingIDs) != 1 {
		t.Errorf("conflicting ids = %v, want 1", res.ConflictingIDs)
	}
	if dss.putCount() != 0 {
		t.Errorf("registry received %d PUTs, want none", dss.putCount())
	}
}

func TestUpdateOffNominalTransitionAlwaysSent(t *testing.T) {
	dss := &fakeDSS{refs: []refJSON{peerRef("ovn-peer")}}
	peers := &fakePeers{
		intents: map[string]domain.OperationalIntent{peerID: peerIntent(square(4.0, 52.0, 0.001))},
	}
	client := newTestClient(t, dss, peers, nil)

	res, err := client.Update(context.Background(), uuid.NewString(), "ovn-old", []domain.Volume4D{square(4.0, 52.0, 0.001)},
		domain.StateActivated, domain.StateNonconforming, 0, true)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Suppressed {
		t.Fatal("off-nominal transition was suppressed")
	}
	if res.Status != registry.StatusOK {
		t.Fatalf("status = %d, want %d", res.Status, registry.StatusOK)
	}
	put := dss.lastPut(t)
	if put.Body.State != "Nonconforming" {
		t.Errorf("wire state = %q, want Nonconforming", put.Body.State)
	}
	if put.Body.NewSubscription != nil {
		t.Errorf("update carried new_subscription: %+v", put.Body.NewSubscription)
	}
}

func TestUpdatePrefersFreshestOVN(t *testing.T) {
	ownID := uuid.NewString()
	ownRef := refJSON{
		ID: ownID, Manager: ownManager, State: "Accepted", Version: 3, OVN: "ovn-fresh",
		TimeStart: timePoint(syncNow), TimeEnd: timePoint(syncNow.Add(time.Hour)),
		USSBaseURL: "https://self.example.com",
	}
	dss := &fakeDSS{refs: []refJSON{ownRef}}
	local := &fakeLocal{}
	client := newTestClient(t, dss, nil, local)

	res, err := client.Update(context.Background(), ownID, "ovn-stale", []domain.Volume4D{square(4.0, 52.0, 0.001)},
		domain.StateAccepted, domain.StateActivated, 0, true)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Status != registry.StatusOK {
		t.Fatalf("status = %d, want %d", res.Status, registry.StatusOK)
	}
	put := dss.lastPut(t)
	if !strings.HasSuffix(put.Path, "/"+ownID+"/ovn-fresh") {
		t.Errorf("put path = %s, want freshest OVN, not the caller's stale one", put.Path)
	}
	if local.calls != 0 {
		t.Errorf("own record triggered %d local detail lookups, want none", local.calls)
	}
}

func TestDeleteStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		want       int
	}{
		{"ok", 0, registry.StatusOK},
		{"not found", http.StatusNotFound, registry.StatusNotFound},
		{"stale ovn", http.StatusConflict, registry.StatusStaleOVN},
		{"unavailable", http.StatusPreconditionFailed, registry.StatusUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dss := &fakeDSS{delStatus: tt.httpStatus, subscribers: []domain.Subscriber{{USSBaseURL: peerBase}}}
			client := newTestClient(t, dss, nil, nil)

			res, err := client.Delete(context.Background(), uuid.NewString(), "ovn-1")
			if res.Status != tt.want {
				t.Fatalf("status = %d, want %d", res.Status, tt.want)
			}
			if tt.httpStatus == 0 {
				if err != nil {
					t.Fatalf("Delete: %v", err)
				}
				if len(res.Subscribers) != 1 {
					t.Errorf("subscribers = %+v, want 1", res.Subscribers)
				}
			} else if err == nil {
				t.Fatal("Delete succeeded on registry rejection")
			}
		})
	}
}

func TestQueryNearbyUsesLocalStoreForOwnIntents(t *testing.T) {
	ownID := uuid.NewString()
	ownRef := refJSON{
		ID: ownID, Manager: ownManager, State: "Accepted", Version: 1, OVN: "ovn-own",
		TimeStart: timePoint(syncNow), TimeEnd: timePoint(syncNow.Add(time.Hour)),
		USSBaseURL: "https://self.example.com",
	}
	dss := &fakeDSS{refs: []refJSON{ownRef}}
	peers := &fakePeers{}
	local := &fakeLocal{details: map[string]domain.OperationalIntentDetails{
		ownID: {Volumes: []domain.Volume4D{square(4.5, 52.5, 0.001)}, Priority: 10},
	}}
	client := newTestClient(t, dss, peers, local)

	details, err := client.QueryNearby(context.Background(), []domain.Volume4D{square(4.0, 52.0, 0.001)})
	if err != nil {
		t.Fatalf("QueryNearby: %v", err)
	}
	if len(details) != 1 || details[0].Priority != 10 {
		t.Fatalf("details = %+v, want the locally stored intent", details)
	}
	if peers.intentCalls != 0 {
		t.Errorf("own intent was fetched from a peer (%d calls)", peers.intentCalls)
	}
	if local.calls != 1 {
		t.Errorf("local lookups = %d, want 1", local.calls)
	}
}
