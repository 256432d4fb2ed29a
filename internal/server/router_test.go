package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openspans/callcore/internal/config"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:           "release",
		Secret:         "test-secret",
		ReadLimit:      32768,
		PingPeriod:     54 * time.Second,
		SignalLimit:    30,
		SignalInterval: 10 * time.Second,
	}
}

func TestRouter_CallLookup(t *testing.T) {
	store := relay.NewMemoryStore()
	rel := relay.New(store)
	r := SetupRouter(context.Background(), testConfig(), rel)

	err := store.PutCall(context.Background(), &domain.CallSession{
		ID: "c1", InitiatorID: "alice", TargetID: "bob",
		Kind: domain.KindVoice, Status: domain.StatusRinging, StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/calls/c1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var got domain.CallSession
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "c1" || got.Status != domain.StatusRinging {
		t.Fatalf("wrong record: %+v", got)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/calls/missing", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestRouter_SetsClientToken(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	r := SetupRouter(context.Background(), testConfig(), rel)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/calls/missing", nil)
	r.ServeHTTP(w, req)

	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("client token cookie not set")
	}
}

func TestRouter_ParticipantListing(t *testing.T) {
	store := relay.NewMemoryStore()
	rel := relay.New(store)
	r := SetupRouter(context.Background(), testConfig(), rel)

	ctx := context.Background()
	if err := store.PutCall(ctx, &domain.CallSession{
		ID: "c1", InitiatorID: "alice", Kind: domain.KindVoice,
		Status: domain.StatusActive, StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.AddParticipant(ctx, "c1", domain.Participant{UserID: "alice", IsHost: true}); err != nil {
		t.Fatalf("add: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/calls/c1/participants", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var parts []domain.Participant
	if err := json.Unmarshal(w.Body.Bytes(), &parts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parts) != 1 || parts[0].UserID != "alice" || !parts[0].IsHost {
		t.Fatalf("wrong participants: %+v", parts)
	}
}
