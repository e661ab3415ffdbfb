package tenants

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/config"
)

func startAdminStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v0/tenants", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"tenants":[{"user_id":"u-1","cached":true,"status":"active","pending_requests":2}],"total":1}}`))
	})
	mux.HandleFunc("GET /api/v0/tenants/u-1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"user_id":"u-1","status":"active","config":{"model":"claude-sonnet","channels":{"telegram":{},"discord":{}}},"workspace_path":"/srv/ws/u-1"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestRoot(t *testing.T, cfgPath string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	root := &cobra.Command{Use: "test", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", cfgPath, "")
	root.AddCommand(NewTenantsCommand())
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	return root, &buf
}

func TestTenantsList(t *testing.T) {
	t.Run("Should render the tenant table from a running gateway", func(t *testing.T) {
		server := startAdminStub(t)
		cfgPath := writeStubConfig(t, server, true)
		root, buf := newTestRoot(t, cfgPath)
		root.SetArgs([]string{"tenants", "list"})

		require.NoError(t, root.Execute())
		out := buf.String()
		assert.Contains(t, out, "USER ID")
		assert.Contains(t, out, "u-1")
		assert.Contains(t, out, "active")
		assert.Contains(t, out, "1 tenants")
	})

	t.Run("Should emit JSON with the json flag", func(t *testing.T) {
		server := startAdminStub(t)
		cfgPath := writeStubConfig(t, server, true)
		root, buf := newTestRoot(t, cfgPath)
		root.SetArgs([]string{"tenants", "list", "--json"})

		require.NoError(t, root.Execute())
		assert.Contains(t, buf.String(), "\"user_id\": \"u-1\"")
	})

	t.Run("Should refuse to run without multi-tenant mode", func(t *testing.T) {
		server := startAdminStub(t)
		cfgPath := writeStubConfig(t, server, false)
		root, _ := newTestRoot(t, cfgPath)
		root.SetArgs([]string{"tenants", "list"})

		err := root.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CONFIG_UNAVAILABLE")
	})
}

func TestTenantsShow(t *testing.T) {
	t.Run("Should show tenant summary and config", func(t *testing.T) {
		server := startAdminStub(t)
		cfgPath := writeStubConfig(t, server, true)
		root, buf := newTestRoot(t, cfgPath)
		root.SetArgs([]string{"tenants", "show", "u-1"})

		require.NoError(t, root.Execute())
		out := buf.String()
		assert.Contains(t, out, "User:      u-1")
		assert.Contains(t, out, "Model:     claude-sonnet")
		assert.Contains(t, out, "Channels:  2 entries")
		assert.Contains(t, out, "claude-sonnet")
	})
}

func TestConfigSummaryFields(t *testing.T) {
	t.Run("Should probe known fields and skip absent ones", func(t *testing.T) {
		fields := configSummaryFields([]byte(`{"model":"m1","plugins":["a","b","c"]}`))
		require.Len(t, fields, 2)
		assert.Equal(t, summaryField{"Model", "m1"}, fields[0])
		assert.Equal(t, summaryField{"Plugins", "3 entries"}, fields[1])
	})

	t.Run("Should fall back to nested model paths without duplicating", func(t *testing.T) {
		fields := configSummaryFields([]byte(`{"model":"top","agent":{"model":"nested"}}`))
		require.Len(t, fields, 1)
		assert.Equal(t, "top", fields[0].value)
	})

	t.Run("Should tolerate empty and invalid payloads", func(t *testing.T) {
		assert.Nil(t, configSummaryFields(nil))
		assert.Nil(t, configSummaryFields([]byte("not json")))
	})
}

// writeStubConfig points the global config at the stub admin server.
func writeStubConfig(t *testing.T, server *httptest.Server, enabled bool) string {
	t.Helper()
	config.ResetCache()
	host, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "openclaw.json")
	content := fmt.Sprintf(`{
		"gateway": {"host": %q, "port": %s},
		"multiTenant": {
			"enabled": %t,
			"cloudBackendUrl": "http://127.0.0.1:1",
			"serviceToken": "svc-test",
			"configRoot": "/srv/openclaw/config",
			"workspaceRoot": "/srv/openclaw/workspaces"
		}
	}`, host, port, enabled)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
