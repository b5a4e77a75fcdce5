package agentclient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notif := "Release date confirmed: 2025-09-20"
		json.NewEncoder(w).Encode(map[string]any{
			"evidence":     "found it",
			"sources":      []string{"https://a.b"},
			"confidence":   85,
			"next_run":     nil,
			"notification": notif,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 100, 10)
	env, err := c.Invoke(t.Context(), Request{TaskID: uuid.Must(uuid.NewV7())}, time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !env.ConditionMet() {
		t.Fatal("expected condition met")
	}
	if env.Confidence != 85 {
		t.Fatalf("confidence = %d, want 85", env.Confidence)
	}
	if len(env.Raw) == 0 {
		t.Fatal("expected Raw to hold the agent's exact response bytes")
	}
	var roundtrip map[string]any
	if err := json.Unmarshal(env.Raw, &roundtrip); err != nil {
		t.Fatalf("Raw is not valid JSON: %v", err)
	}
	if roundtrip["evidence"] != "found it" {
		t.Fatalf("Raw = %s, want it to contain the agent's evidence field", env.Raw)
	}
}

func TestInvoke_Rejected_BadConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"evidence":   "x",
			"sources":    []string{},
			"confidence": 999,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", 100, 10)
	_, err := c.Invoke(t.Context(), Request{}, time.Second)
	if !errors.Is(err, ErrAgentRejected) {
		t.Fatalf("expected ErrAgentRejected, got %v", err)
	}
}

func TestInvoke_ServerError_IsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 100, 10)
	_, err := c.Invoke(t.Context(), Request{}, time.Second)
	if !errors.Is(err, ErrAgentTransport) {
		t.Fatalf("expected ErrAgentTransport, got %v", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 100, 10)
	_, err := c.Invoke(t.Context(), Request{}, 5*time.Millisecond)
	if !errors.Is(err, ErrAgentTimeout) {
		t.Fatalf("expected ErrAgentTimeout, got %v", err)
	}
}
