package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueryDocumentsRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"documents": []Document{{ID: "doc_1", GroupID: "g1"}},
		})
	}))
	defer server.Close()

	client := NewClient(Options{
		BaseURL:   server.URL,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	docs, err := client.QueryDocuments(context.Background(), "permissions", "g1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc_1" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "denied", "message": "no access"})
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL, BaseDelay: time.Millisecond})
	_, err := client.QueryDocuments(context.Background(), "permissions", "g1")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if Transient(err) {
		t.Fatalf("expected denial to be permanent")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected single attempt for permanent failure, got %d", got)
	}
}

func TestTransientClassification(t *testing.T) {
	if !Transient(errors.New("dial tcp: connection refused")) {
		t.Fatalf("expected plain network error to be transient")
	}
	if !Transient(&HTTPError{StatusCode: http.StatusBadGateway}) {
		t.Fatalf("expected 502 to be transient")
	}
	if !Transient(&HTTPError{StatusCode: http.StatusTooManyRequests}) {
		t.Fatalf("expected 429 to be transient")
	}
	if Transient(&HTTPError{StatusCode: http.StatusNotFound}) {
		t.Fatalf("expected 404 to be permanent")
	}
	if Transient(nil) {
		t.Fatalf("expected nil to be non-transient")
	}
}

func TestCreateDocumentAssignsIDAndSendsAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var doc Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer server.Close()

	tokens, err := NewTokenSource("secret", "device_1", "user_1", time.Minute)
	if err != nil {
		t.Fatalf("new token source failed: %v", err)
	}
	client := NewClient(Options{BaseURL: server.URL, Tokens: tokens})
	created, err := client.CreateDocument(context.Background(), "events", Document{GroupID: "g1", Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected client-assigned document id")
	}
	if gotAuth == "" {
		t.Fatalf("expected bearer token on request")
	}
	deviceID, err := Verify("secret", gotAuth[len("Bearer "):])
	if err != nil {
		t.Fatalf("token verify failed: %v", err)
	}
	if deviceID != "device_1" {
		t.Fatalf("expected device_1 in token, got %q", deviceID)
	}
}

func TestCommitSendsBatch(t *testing.T) {
	var gotWrites int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Writes []Write `json:"writes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotWrites = len(body.Writes)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(Options{BaseURL: server.URL})
	writes := []Write{
		{Op: WriteOpPut, Collection: "permissions", Document: Document{ID: "p1", GroupID: "g1"}},
		{Op: WriteOpDelete, Collection: "permissions", Document: Document{ID: "p0", GroupID: "g1"}},
	}
	if err := client.Commit(context.Background(), writes); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if gotWrites != 2 {
		t.Fatalf("expected 2 writes in batch, got %d", gotWrites)
	}
	// An empty batch is a no-op, not a request.
	if err := client.Commit(context.Background(), nil); err != nil {
		t.Fatalf("empty commit failed: %v", err)
	}
}

func TestTokenSourceReusesUntilNearExpiry(t *testing.T) {
	tokens, err := NewTokenSource("secret", "device_1", "", time.Hour)
	if err != nil {
		t.Fatalf("new token source failed: %v", err)
	}
	first, err := tokens.Token()
	if err != nil {
		t.Fatalf("first token failed: %v", err)
	}
	second, err := tokens.Token()
	if err != nil {
		t.Fatalf("second token failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token reuse within lifetime")
	}

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	third, err := tokens.Token()
	if err != nil {
		t.Fatalf("refresh token failed: %v", err)
	}
	if third == first {
		t.Fatalf("expected refreshed token after expiry")
	}
}
