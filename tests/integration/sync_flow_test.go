package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nortide/tessera/internal/auth"
	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/engine"
	"github.com/nortide/tessera/internal/notify"
	"github.com/nortide/tessera/internal/schema/schematest"
	"github.com/nortide/tessera/internal/server"
	"go.uber.org/zap"
)

const (
	signingSecret   = "integration-secret"
	jsonContentType = "application/json"
	tenantID        = int64(3)
	userID          = int64(12)
)

type environment struct {
	handler    http.Handler
	dispatcher *notify.Dispatcher
}

func newEnvironment(t *testing.T) *environment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	storeDialect, err := dialect.ForDB(db)
	if err != nil {
		t.Fatalf("failed to resolve dialect: %v", err)
	}
	readCache, err := cache.New(cache.Config{Database: db, Registry: registry, Logger: zap.NewNop(), Enabled: true})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	dispatcher := notify.NewDispatcher()
	syncEngine, err := engine.NewManager(engine.ManagerConfig{
		Database:      db,
		Dialect:       storeDialect,
		Registry:      registry,
		Cache:         readCache,
		Diff:          notify.NewDiffCache(registry, readCache),
		Dispatcher:    dispatcher,
		Logger:        zap.NewNop(),
		SchemaVersion: "2024.1",
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        "tessera-api",
		Audience:      "tessera-clients",
		TokenTTL:      time.Hour,
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       syncEngine,
		TokenManager: issuer,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &environment{handler: handler, dispatcher: dispatcher}
}

func (e *environment) post(t *testing.T, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestSyncFlow(t *testing.T) {
	env := newEnvironment(t)

	// Open a connection and complete the handshake.
	opened := env.post(t, "/connection/open", "", map[string]any{
		"tenantId": tenantID,
		"userId":   userID,
		"machine":  "integration-box",
	})
	if opened.Code != http.StatusOK {
		t.Fatalf("open failed: %d %s", opened.Code, opened.Body.String())
	}
	var openResponse struct {
		ConnectionID string `json:"connectionId"`
		AccessToken  string `json:"access_token"`
	}
	if err := json.Unmarshal(opened.Body.Bytes(), &openResponse); err != nil {
		t.Fatalf("failed to decode open response: %v", err)
	}
	token := openResponse.AccessToken

	initialized := env.post(t, "/connection/initialize", token, map[string]any{
		"area":     schematest.AreaSales,
		"moduleId": 1,
	})
	if initialized.Code != http.StatusOK {
		t.Fatalf("initialize failed: %d %s", initialized.Code, initialized.Body.String())
	}
	var handshake struct {
		SchemaVersion string `json:"schemaVersion"`
		Tick          int64  `json:"tick"`
		RequestID     int64  `json:"requestId"`
	}
	if err := json.Unmarshal(initialized.Body.Bytes(), &handshake); err != nil {
		t.Fatalf("failed to decode handshake: %v", err)
	}
	if handshake.SchemaVersion != "2024.1" || handshake.Tick != 0 || handshake.RequestID != 0 {
		t.Fatalf("unexpected handshake %+v", handshake)
	}

	// Parent and child rows in one transaction.
	executed := env.post(t, "/transaction", token, map[string]any{
		"requestId": 0,
		"requests": []map[string]any{
			{"table": "Customer", "action": "create", "payload": map[string]any{"Name": "Acme"}},
			{"table": "Order", "action": "create", "payload": map[string]any{"Reference": "A-100", "Quantity": 2, "CustomerRecordID": 1}},
		},
	})
	if executed.Code != http.StatusOK {
		t.Fatalf("transaction failed: %d %s", executed.Code, executed.Body.String())
	}
	var result struct {
		RequestID int64 `json:"requestId"`
		Rows      []struct {
			Table string `json:"table"`
			Tick  int64  `json:"tick"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(executed.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode transaction response: %v", err)
	}
	if result.RequestID != 1 || len(result.Rows) != 2 {
		t.Fatalf("unexpected transaction result %+v", result)
	}
	if result.Rows[0].Tick != 1 || result.Rows[1].Tick != 2 {
		t.Fatalf("ticks must be contiguous: %+v", result.Rows)
	}

	// Replay of the same request id conflicts without changing state.
	replayed := env.post(t, "/transaction", token, map[string]any{
		"requestId": 0,
		"requests": []map[string]any{
			{"table": "Customer", "action": "create", "payload": map[string]any{"Name": "Acme"}},
		},
	})
	if replayed.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replay, got %d", replayed.Code)
	}

	// The table load reflects the committed state.
	loadRequest := httptest.NewRequest(http.MethodGet, "/tables/Customer", nil)
	loadRequest.Header.Set("Authorization", "Bearer "+token)
	loadRecorder := httptest.NewRecorder()
	env.handler.ServeHTTP(loadRecorder, loadRequest)
	if loadRecorder.Code != http.StatusOK {
		t.Fatalf("load failed: %d %s", loadRecorder.Code, loadRecorder.Body.String())
	}
	var load struct {
		Lots []struct {
			Records []struct {
				Name string `json:"Name"`
			} `json:"records"`
		} `json:"lots"`
	}
	if err := json.Unmarshal(loadRecorder.Body.Bytes(), &load); err != nil {
		t.Fatalf("failed to decode load response: %v", err)
	}
	if len(load.Lots) != 1 || len(load.Lots[0].Records) != 1 || load.Lots[0].Records[0].Name != "Acme" {
		t.Fatalf("unexpected load payload %s", loadRecorder.Body.String())
	}

	// Heartbeat and close.
	if pinged := env.post(t, "/connection/ping", token, map[string]any{}); pinged.Code != http.StatusOK {
		t.Fatalf("ping failed: %d", pinged.Code)
	}
	if closed := env.post(t, "/connection/close", token, map[string]any{}); closed.Code != http.StatusOK {
		t.Fatalf("close failed: %d", closed.Code)
	}
	if refused := env.post(t, "/connection/ping", token, map[string]any{}); refused.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after close, got %d", refused.Code)
	}
}
