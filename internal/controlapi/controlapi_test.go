package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gapmesh/core/internal/favorites"
	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
	"github.com/gapmesh/core/internal/router"
	"github.com/gapmesh/core/internal/session"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestController(t *testing.T) (*session.Controller, keychain.Keychain) {
	t.Helper()
	kc := keychain.NewMemory()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	favStore, err := favorites.Open(context.Background(), kc)
	if err != nil {
		t.Fatalf("open favorites: %v", err)
	}
	r := router.New()
	ctrl := session.New(id, kc, r, favStore, testLogger())
	return ctrl, kc
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctrl, kc := newTestController(t)
	s, err := New(context.Background(), Config{Listen: "127.0.0.1:0"}, ctrl, kc, testLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestRequireLoopbackRejectsNonLoopback(t *testing.T) {
	if err := requireLoopback("0.0.0.0:9944"); err == nil {
		t.Fatalf("expected rejection of non-loopback bind address")
	}
	if err := requireLoopback("127.0.0.1:9944"); err != nil {
		t.Fatalf("expected loopback address to be accepted: %v", err)
	}
}

func TestLoginWithValidSecretIssuesToken(t *testing.T) {
	kc := keychain.NewMemory()
	secret, minted, err := ensurePairingSecret(context.Background(), kc)
	if err != nil || !minted {
		t.Fatalf("ensure pairing secret: secret=%q minted=%v err=%v", secret, minted, err)
	}

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	favStore, err := favorites.Open(context.Background(), kc)
	if err != nil {
		t.Fatalf("open favorites: %v", err)
	}
	ctrl := session.New(id, kc, router.New(), favStore, testLogger())

	s, err := New(context.Background(), Config{Listen: "127.0.0.1:0"}, ctrl, kc, testLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	body, _ := json.Marshal(loginRequest{Secret: secret})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:55555"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected non-empty token")
	}
}

func TestLoginWithWrongSecretIsRejected(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(loginRequest{Secret: "not-the-real-secret"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:55555"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:55555"
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestProtectedRouteAcceptsValidToken(t *testing.T) {
	s := newTestServer(t)
	token, _, err := generateToken(s.jwtSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:55555"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if resp.PeerID == "" {
		t.Fatalf("expected a peer id in status response")
	}
}

func TestNonLoopbackRemoteIsRejectedEvenWithValidToken(t *testing.T) {
	s := newTestServer(t)
	token, _, err := generateToken(s.jwtSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-loopback remote, got %d", rec.Code)
	}
}

func TestSendRequiresValidPeerID(t *testing.T) {
	s := newTestServer(t)
	token, _, err := generateToken(s.jwtSecret)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	body, _ := json.Marshal(sendRequest{Peer: "not-hex", Text: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/v1/send", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:55555"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed peer id, got %d: %s", rec.Code, rec.Body.String())
	}
}
