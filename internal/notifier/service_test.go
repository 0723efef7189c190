package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func startWebhookServer(t *testing.T) (*httptest.Server, func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var received []Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(received))
		copy(out, received)
		return out
	}
}

func TestTrigger_DeliversEvent(t *testing.T) {
	srv, received := startWebhookServer(t)
	svc := NewService(srv.URL, 5*time.Second, nil)

	err := svc.Trigger(context.Background(), HookSubscriptionAccepted, ScopeApplication, "app-1",
		map[string]string{"plan": "plan-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	events := received()
	if len(events) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(events))
	}
	if events[0].Hook != HookSubscriptionAccepted {
		t.Errorf("hook = %s, want SUBSCRIPTION_ACCEPTED", events[0].Hook)
	}
	if events[0].Scope != ScopeApplication || events[0].ReferenceID != "app-1" {
		t.Errorf("event addressed %s %s, want APPLICATION app-1", events[0].Scope, events[0].ReferenceID)
	}
	if events[0].Params["plan"] != "plan-1" {
		t.Errorf("params = %v, want plan=plan-1", events[0].Params)
	}
}

func TestTrigger_DisabledWithoutURL(t *testing.T) {
	svc := NewService("", 5*time.Second, nil)

	if err := svc.Trigger(context.Background(), HookAPIKeyRevoked, ScopeAPI, "api-1", nil); err != nil {
		t.Errorf("disabled service should accept triggers silently, got %v", err)
	}
}

func TestTrigger_AfterShutdownIsNoop(t *testing.T) {
	srv, received := startWebhookServer(t)
	svc := NewService(srv.URL, 5*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := svc.Trigger(context.Background(), HookSubscriptionClosed, ScopeAPI, "api-1", nil); err != nil {
		t.Errorf("trigger after shutdown should be a no-op, got %v", err)
	}
	if got := received(); len(got) != 0 {
		t.Errorf("expected no deliveries after shutdown, got %d", len(got))
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, nil)
	if err := client.Send(context.Background(), srv.URL, []byte(`{}`)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestHTTPClient_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, nil)
	if err := client.Send(context.Background(), srv.URL, []byte(`{}`)); err == nil {
		t.Error("expected error after exhausting retries, got nil")
	}
}
