package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kami/django-deployment-script/pkg/jwt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNotifyPostsEvent(t *testing.T) {
	var got Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Deploy-Token") != "secret" {
			t.Errorf("missing token header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w, err := NewWebhook(server.URL, "secret", time.Minute, server.Client(), discardLogger())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	ok := w.Notify(context.Background(), Event{RunID: "run-1", Project: "mysite", Environment: "production", Stage: "PROMOTED", Status: "running"})
	if !ok {
		t.Fatalf("expected delivery")
	}
	if got.RunID != "run-1" || got.Stage != "PROMOTED" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestNotifySuppressesAfterClientError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	w, err := NewWebhook(server.URL, "", 200*time.Millisecond, server.Client(), discardLogger())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	event := Event{Project: "mysite", Environment: "production", Stage: "INIT"}
	if w.Notify(context.Background(), event) {
		t.Fatalf("expected failure on 4xx")
	}
	if w.Notify(context.Background(), event) {
		t.Fatalf("expected suppression")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 request, got %d", hits.Load())
	}
	other := Event{Project: "mysite", Environment: "staging", Stage: "INIT"}
	w.Notify(context.Background(), other)
	if hits.Load() != 2 {
		t.Fatalf("expected other environment to be delivered, got %d requests", hits.Load())
	}
}

func TestSuppressionExpires(t *testing.T) {
	w, err := NewWebhook("http://127.0.0.1:1", "", 20*time.Millisecond, nil, discardLogger())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	now := time.Now()
	w.now = func() time.Time { return now }
	w.suppress("mysite/production")
	if !w.shouldSuppress("mysite/production") {
		t.Fatalf("expected suppression to be active immediately")
	}
	now = now.Add(50 * time.Millisecond)
	if w.shouldSuppress("mysite/production") {
		t.Fatalf("expected suppression to expire after TTL")
	}
}

func TestServerErrorDoesNotSuppress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	w, err := NewWebhook(server.URL, "", time.Minute, server.Client(), discardLogger())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	event := Event{Project: "mysite", Environment: "production"}
	w.Notify(context.Background(), event)
	if w.shouldSuppress(suppressionKey(event)) {
		t.Fatalf("5xx should not suppress")
	}
}

func TestNewWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhook(" ", "", 0, nil, nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestNotifySignsRequests(t *testing.T) {
	var claims *jwt.Claims
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			t.Errorf("missing bearer token")
		}
		parsed, err := jwt.Parse(bearer, "signing-key")
		if err != nil {
			t.Errorf("parse token: %v", err)
		}
		claims = parsed
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	w, err := NewWebhook(server.URL, "", time.Minute, server.Client(), discardLogger())
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	w.SignWith("signing-key", time.Minute)
	if !w.Notify(context.Background(), Event{RunID: "run-7", Project: "mysite", Environment: "staging", Stage: "PROMOTED"}) {
		t.Fatalf("expected delivery")
	}
	if claims == nil || claims.RunID != "run-7" || claims.Environment != "staging" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
