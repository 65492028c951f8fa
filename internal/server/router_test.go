package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/auth"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/vault"
	"github.com/gin-gonic/gin"
)

type routerFixture struct {
	handler    http.Handler
	realtime   *RealtimeDispatcher
	tokens     *auth.TokenIssuer
	ownerToken string
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), nil, blobstore.Schema())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := blobstore.NewService(blobstore.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build blob store: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "vaultsync-auth",
		Audience:      "vaultsync-api",
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	token, _, err := tokens.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator:    tokens,
		VaultStore:        store,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return routerFixture{handler: handler, realtime: realtime, tokens: tokens, ownerToken: token}
}

func (f routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(vault.ProtocolHeader, vault.ProtocolVersion)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestVaultRoutesRequireProtocolAndToken(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodGet, "/vault", nil)
	request.Header.Set("Authorization", "Bearer "+fixture.ownerToken)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 without protocol header, got %d", recorder.Code)
	}

	if recorder := fixture.do(t, http.MethodGet, "/vault", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/vault", "not-a-jwt", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", recorder.Code)
	}

	health := httptest.NewRecorder()
	fixture.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected health to be public, got %d", health.Code)
	}
}

func TestUploadCompareAndSwap(t *testing.T) {
	fixture := newRouterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, cleanup := fixture.realtime.Subscribe(ctx, "user-1")
	defer cleanup()

	recorder := fixture.do(t, http.MethodGet, "/vault", fixture.ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var empty vaultResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &empty); err != nil {
		t.Fatalf("decode fetch: %v", err)
	}
	if empty.Revision != 0 {
		t.Fatalf("expected revision 0, got %d", empty.Revision)
	}

	base := int64(0)
	recorder = fixture.do(t, http.MethodPost, "/vault", fixture.ownerToken, uploadRequestPayload{BaseRevision: &base, Blob: []byte("sealed")})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	select {
	case message := <-events:
		if message.Revision != 1 || message.EventType != RealtimeEventVaultChanged {
			t.Fatalf("unexpected realtime message %+v", message)
		}
	case <-time.After(time.Second):
		t.Fatal("expected realtime message after upload")
	}

	recorder = fixture.do(t, http.MethodPost, "/vault", fixture.ownerToken, uploadRequestPayload{BaseRevision: &base, Blob: []byte("stale")})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	var outdated uploadResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &outdated); err != nil {
		t.Fatalf("decode conflict: %v", err)
	}
	if outdated.Error != "outdated" || outdated.Revision != 1 {
		t.Fatalf("unexpected conflict payload %+v", outdated)
	}

	recorder = fixture.do(t, http.MethodPost, "/vault", fixture.ownerToken, map[string]any{"blob": []byte("x")})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without base revision, got %d", recorder.Code)
	}
}

func TestVaultEventsStreamRevisions(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/vault/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set(vault.ProtocolHeader, vault.ProtocolVersion)
	request.Header.Set("Authorization", "Bearer "+fixture.ownerToken)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}

	fixture.realtime.Publish(RealtimeMessage{OwnerID: "user-1", EventType: RealtimeEventVaultChanged, Revision: 9})

	scanner := bufio.NewScanner(response.Body)
	sawEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") && strings.TrimSpace(strings.TrimPrefix(line, "event:")) == RealtimeEventVaultChanged {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data:") {
			var payload vaultEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if payload.Revision != 9 {
				t.Fatalf("expected revision 9, got %d", payload.Revision)
			}
			return
		}
	}
	t.Fatalf("stream ended without revision event: %v", scanner.Err())
}
