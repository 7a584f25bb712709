package peer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"skylane/internal/auth"
	"skylane/internal/domain"
	"skylane/internal/peer"
)

func newTokens(t *testing.T) *auth.Tokens {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 3600})
	}))
	t.Cleanup(srv.Close)
	return &auth.Tokens{TokenURL: srv.URL}
}

// subscriberServer records every notification POSTed to it.
type subscriberServer struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func (s *subscriberServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/uss/v1/operational_intents" {
			http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.mu.Unlock()
		if s.status != 0 {
			http.Error(w, "nope", s.status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *subscriberServer) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any{}, s.bodies...)
}

func TestFanoutDeliversToSubscribers(t *testing.T) {
	sub := &subscriberServer{}
	srv := sub.start(t)
	n := &peer.Notifier{
		Client:     &peer.Client{Tokens: newTokens(t)},
		OwnBaseURL: "https://self.example.com",
	}

	intent := &domain.OperationalIntent{
		Reference: domain.OperationalIntentReference{ID: "op-1", Manager: "skylane-test"},
	}
	delivered := n.Fanout(context.Background(), "op-1", intent, []domain.Subscriber{
		{USSBaseURL: srv.URL, Subscriptions: []domain.SubscriptionState{{SubscriptionID: "sub-1", NotificationIndex: 4}}},
	})
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	got := sub.received()
	if len(got) != 1 {
		t.Fatalf("subscriber received %d notifications, want 1", len(got))
	}
	if got[0]["operational_intent_id"] != "op-1" {
		t.Errorf("operational_intent_id = %v", got[0]["operational_intent_id"])
	}
	if _, ok := got[0]["operational_intent"]; !ok {
		t.Error("notification missing operational_intent payload")
	}
}

func TestFanoutOmitsIntentOnDeletion(t *testing.T) {
	sub := &subscriberServer{}
	srv := sub.start(t)
	n := &peer.Notifier{
		Client:     &peer.Client{Tokens: newTokens(t)},
		OwnBaseURL: "https://self.example.com",
	}

	if delivered := n.Fanout(context.Background(), "op-1", nil, []domain.Subscriber{{USSBaseURL: srv.URL}}); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	got := sub.received()
	if len(got) != 1 {
		t.Fatalf("subscriber received %d notifications, want 1", len(got))
	}
	if _, ok := got[0]["operational_intent"]; ok {
		t.Errorf("deletion notification carried an intent: %v", got[0]["operational_intent"])
	}
}

func TestFanoutSkipsSelfAndTestDomains(t *testing.T) {
	n := &peer.Notifier{
		Client:      &peer.Client{Tokens: newTokens(t)},
		OwnBaseURL:  "https://self.example.com",
		TestDomains: []string{"uss.example.test"},
	}

	// none of these must ever be dialed; the URLs would fail loudly if they were
	delivered := n.Fanout(context.Background(), "op-1", nil, []domain.Subscriber{
		{USSBaseURL: "https://self.example.com"},
		{USSBaseURL: "https://peer.uss.example.test"},
		{USSBaseURL: ""},
	})
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
}

// A subscriber must answer 204 No Content; a 200 with a body is a failed
// delivery, not a success.
func TestFanoutRejectsNon204Response(t *testing.T) {
	sub := &subscriberServer{status: http.StatusOK}
	srv := sub.start(t)
	var buf bytes.Buffer
	n := &peer.Notifier{
		Client:     &peer.Client{Tokens: newTokens(t)},
		OwnBaseURL: "https://self.example.com",
		Logger:     log.New(&buf, "", 0),
	}

	if delivered := n.Fanout(context.Background(), "op-1", nil, []domain.Subscriber{{USSBaseURL: srv.URL}}); delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	if !strings.Contains(buf.String(), "failed") {
		t.Errorf("non-204 response was not logged as a failure: %q", buf.String())
	}
}

func TestFanoutLogsFailuresWithoutRetry(t *testing.T) {
	sub := &subscriberServer{status: http.StatusInternalServerError}
	srv := sub.start(t)
	var buf bytes.Buffer
	n := &peer.Notifier{
		Client:     &peer.Client{Tokens: newTokens(t)},
		OwnBaseURL: "https://self.example.com",
		Logger:     log.New(&buf, "", 0),
	}

	if delivered := n.Fanout(context.Background(), "op-1", nil, []domain.Subscriber{{USSBaseURL: srv.URL}}); delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	if got := len(sub.received()); got != 1 {
		t.Fatalf("subscriber received %d requests, want exactly 1 (no retry)", got)
	}
	if !strings.Contains(buf.String(), "failed") {
		t.Errorf("failure was not logged: %q", buf.String())
	}
}
