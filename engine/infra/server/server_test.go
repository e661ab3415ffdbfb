package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/engine/cloud"
	"github.com/openclaw/gateway/engine/configsync"
	"github.com/openclaw/gateway/engine/infra/monitoring"
	"github.com/openclaw/gateway/engine/tenant"
)

const testServiceToken = "svc-secret"

type fetcherFunc func(ctx context.Context, since string, cursor string) (*cloud.ConfigsPage, error)

func (f fetcherFunc) FetchConfigs(ctx context.Context, since string, cursor string) (*cloud.ConfigsPage, error) {
	return f(ctx, since, cursor)
}

func newTestManager(t *testing.T) *tenant.Manager {
	t.Helper()
	root := t.TempDir()
	manager, err := tenant.NewManager(&tenant.Options{
		ConfigRoot:    filepath.Join(root, "config"),
		WorkspaceRoot: filepath.Join(root, "workspaces"),
	})
	require.NoError(t, err)
	return manager
}

func seedTenant(t *testing.T, manager *tenant.Manager, userID, token string) {
	t.Helper()
	manager.UpdateConfigs(t.Context(), []cloud.TenantRecord{{
		UserID:         userID,
		GatewayToken:   token,
		Status:         "active",
		OpenclawConfig: map[string]any{"model": "claude-sonnet"},
	}})
}

func newTestServer(t *testing.T, manager *tenant.Manager, fetcher configsync.ConfigFetcher) *Server {
	t.Helper()
	var sync *configsync.Service
	if fetcher != nil {
		var err error
		sync, err = configsync.NewService(fetcher, manager, nil)
		require.NoError(t, err)
	}
	srv, err := NewServer(t.Context(), &Options{
		Host:         "127.0.0.1",
		Port:         18789,
		ServiceToken: testServiceToken,
		Manager:      manager,
		Sync:         sync,
	})
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewServer(t *testing.T) {
	t.Run("Should require a manager", func(t *testing.T) {
		_, err := NewServer(t.Context(), &Options{Port: 18789})
		assert.Error(t, err)
		_, err = NewServer(t.Context(), nil)
		assert.Error(t, err)
	})

	t.Run("Should reject unusable ports", func(t *testing.T) {
		_, err := NewServer(t.Context(), &Options{Manager: newTestManager(t), Port: 0})
		assert.Error(t, err)
		_, err = NewServer(t.Context(), &Options{Manager: newTestManager(t), Port: 70000})
		assert.Error(t, err)
	})
}

func TestServer_Health(t *testing.T) {
	t.Run("Should answer healthz without authentication", func(t *testing.T) {
		srv := newTestServer(t, newTestManager(t), nil)
		rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("Should serve the metrics endpoint when monitoring is enabled", func(t *testing.T) {
		manager := newTestManager(t)
		metrics, err := monitoring.NewService(t.Context(), &monitoring.Config{Enabled: true})
		require.NoError(t, err)
		srv, err := NewServer(t.Context(), &Options{
			Host: "127.0.0.1", Port: 18789, Manager: manager, Monitoring: metrics,
		})
		require.NoError(t, err)

		rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})
}

func TestServer_AdminAuth(t *testing.T) {
	t.Run("Should refuse admin calls without a service token", func(t *testing.T) {
		srv := newTestServer(t, newTestManager(t), nil)
		rec := doRequest(t, srv, http.MethodGet, "/api/v0/stats", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "service_token_missing", body["code"])
	})

	t.Run("Should refuse wrong service tokens", func(t *testing.T) {
		srv := newTestServer(t, newTestManager(t), nil)
		rec := doRequest(t, srv, http.MethodGet, "/api/v0/stats", "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "service_token_invalid", body["code"])
	})

	t.Run("Should fail closed when no service token is configured", func(t *testing.T) {
		srv, err := NewServer(t.Context(), &Options{
			Host: "127.0.0.1", Port: 18789, Manager: newTestManager(t),
		})
		require.NoError(t, err)
		rec := doRequest(t, srv, http.MethodGet, "/api/v0/stats", "anything")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "admin_api_disabled", body["code"])
	})
}

func TestServer_Tenants(t *testing.T) {
	t.Run("Should list on-disk tenants with cached markers", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-cold", "gt_cold")
		seedTenant(t, manager, "u-hot", "gt_hot")
		_, ok := manager.AuthenticateToken(t.Context(), "gt_hot")
		require.True(t, ok)
		srv := newTestServer(t, manager, nil)

		rec := doRequest(t, srv, http.MethodGet, "/api/v0/tenants", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		data := body["data"].(map[string]any)
		assert.Equal(t, float64(2), data["total"])
		rows := data["tenants"].([]any)
		require.Len(t, rows, 2)
		cold := rows[0].(map[string]any)
		hot := rows[1].(map[string]any)
		assert.Equal(t, "u-cold", cold["user_id"])
		assert.Equal(t, false, cold["cached"])
		assert.Equal(t, "u-hot", hot["user_id"])
		assert.Equal(t, true, hot["cached"])
		assert.Equal(t, "active", hot["status"])
	})

	t.Run("Should show a tenant by id", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_u1")
		srv := newTestServer(t, manager, nil)

		rec := doRequest(t, srv, http.MethodGet, "/api/v0/tenants/u-1", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		data := body["data"].(map[string]any)
		assert.Equal(t, "u-1", data["user_id"])
		assert.Equal(t, "active", data["status"])
	})

	t.Run("Should answer 404 for unknown tenants", func(t *testing.T) {
		srv := newTestServer(t, newTestManager(t), nil)
		rec := doRequest(t, srv, http.MethodGet, "/api/v0/tenants/u-ghost", testServiceToken)
		require.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "tenant_not_found", body["code"])
	})

	t.Run("Should evict idle tenants on demand", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_u1")
		_, ok := manager.AuthenticateToken(t.Context(), "gt_u1")
		require.True(t, ok)
		srv := newTestServer(t, manager, nil)

		rec := doRequest(t, srv, http.MethodDelete, "/api/v0/tenants/u-1", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, manager.UserIDs())
	})

	t.Run("Should refuse evicting busy tenants without override", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_u1")
		_, ok := manager.AuthenticateToken(t.Context(), "gt_u1")
		require.True(t, ok)
		require.True(t, manager.IncrementPending("u-1"))
		srv := newTestServer(t, manager, nil)

		rec := doRequest(t, srv, http.MethodDelete, "/api/v0/tenants/u-1", testServiceToken)
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "tenant_busy", body["code"])
		assert.Equal(t, []string{"u-1"}, manager.UserIDs())

		rec = doRequest(t, srv, http.MethodDelete, "/api/v0/tenants/u-1?override=true", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, manager.UserIDs())
	})
}

func TestServer_Stats(t *testing.T) {
	t.Run("Should report manager and sync state", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_u1")
		fetcher := fetcherFunc(func(context.Context, string, string) (*cloud.ConfigsPage, error) {
			return &cloud.ConfigsPage{SyncTimestamp: "2026-01-01T00:00:00Z"}, nil
		})
		srv := newTestServer(t, manager, fetcher)

		rec := doRequest(t, srv, http.MethodGet, "/api/v0/stats", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		data := body["data"].(map[string]any)
		managerStats := data["manager"].(map[string]any)
		assert.Equal(t, float64(1), managerStats["tokens_indexed"])
		syncStatus := data["sync"].(map[string]any)
		assert.Equal(t, false, syncStatus["running"])
	})
}

func TestServer_SyncNow(t *testing.T) {
	t.Run("Should run a sync pass on demand", func(t *testing.T) {
		manager := newTestManager(t)
		fetcher := fetcherFunc(func(context.Context, string, string) (*cloud.ConfigsPage, error) {
			return &cloud.ConfigsPage{
				Users:         []cloud.TenantRecord{{UserID: "u-synced", GatewayToken: "gt_s", Status: "active"}},
				SyncTimestamp: "2026-01-01T00:00:00Z",
			}, nil
		})
		srv := newTestServer(t, manager, fetcher)

		rec := doRequest(t, srv, http.MethodPost, "/api/v0/sync", testServiceToken)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		data := body["data"].(map[string]any)
		assert.Equal(t, true, data["success"])
		assert.Equal(t, float64(1), data["users_updated"])
		assert.True(t, manager.HasToken("gt_s"))
	})

	t.Run("Should answer 503 when the synchronizer is absent", func(t *testing.T) {
		srv := newTestServer(t, newTestManager(t), nil)
		rec := doRequest(t, srv, http.MethodPost, "/api/v0/sync", testServiceToken)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestServer_AgentRoutes(t *testing.T) {
	t.Run("Should guard mounted agent routes with gateway tokens", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_valid")
		srv := newTestServer(t, manager, nil)
		srv.AttachAgentRoutes(func(group *gin.RouterGroup) {
			group.GET("/agent/ws", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"ok": true})
			})
		})

		req := httptest.NewRequest(http.MethodGet, "/agent/ws", nil)
		req.Header.Set("X-Gateway-Token", "gt_valid")
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/agent/ws", nil)
		req.Header.Set("X-Gateway-Token", "gt_bogus")
		rec = httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
