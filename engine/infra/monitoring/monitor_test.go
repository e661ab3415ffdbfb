package monitoring

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/engine/cloud"
	"github.com/openclaw/gateway/engine/tenant"
)

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

// alertRecorder collects alerts from both the synchronous evaluate path
// and the asynchronous event loop.
type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
	ch     chan Alert
}

func newAlertRecorder() *alertRecorder {
	return &alertRecorder{ch: make(chan Alert, 16)}
}

func (r *alertRecorder) sink(_ context.Context, alert Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	select {
	case r.ch <- alert:
	default:
	}
}

func (r *alertRecorder) all() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func waitForAlert(t *testing.T, r *alertRecorder) Alert {
	t.Helper()
	select {
	case alert := <-r.ch:
		return alert
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alert")
		return Alert{}
	}
}

func TestNewMonitor(t *testing.T) {
	t.Run("Should require a manager", func(t *testing.T) {
		_, err := NewMonitor(nil, nil)
		assert.Error(t, err)
	})

	t.Run("Should default the sampling interval", func(t *testing.T) {
		monitor, err := NewMonitor(newTestManager(t), nil)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, monitor.opts.Interval)
	})

	t.Run("Should keep explicit options", func(t *testing.T) {
		monitor, err := NewMonitor(newTestManager(t), &MonitorOptions{
			Interval:    5 * time.Second,
			HeapAlertMB: 2048,
		})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, monitor.opts.Interval)
		assert.Equal(t, float64(2048), monitor.opts.HeapAlertMB)
	})
}

func TestMonitor_Sample(t *testing.T) {
	t.Run("Should snapshot manager and process state", func(t *testing.T) {
		manager := newTestManager(t)
		seedTenant(t, manager, "u-1", "gt_u1")
		seedTenant(t, manager, "u-2", "gt_u2")
		_, err := manager.GetInstance(t.Context(), "u-1")
		require.NoError(t, err)

		monitor, err := NewMonitor(manager, nil)
		require.NoError(t, err)

		sample := monitor.Sample(t.Context())
		assert.False(t, sample.TakenAt.IsZero())
		assert.Equal(t, 1, sample.Stats.ActiveInstances)
		assert.Equal(t, 2, sample.TotalUsers)
		assert.InDelta(t, 50.0, sample.ActivePercent, 0.01)
		assert.Greater(t, sample.HeapAllocMB, 0.0)
		assert.Greater(t, sample.SysMB, 0.0)
	})

	t.Run("Should leave the active ratio at zero without on-disk tenants", func(t *testing.T) {
		monitor, err := NewMonitor(newTestManager(t), nil)
		require.NoError(t, err)

		sample := monitor.Sample(t.Context())
		assert.Equal(t, 0, sample.TotalUsers)
		assert.Zero(t, sample.ActivePercent)
	})

	t.Run("Should record the last sample", func(t *testing.T) {
		monitor, err := NewMonitor(newTestManager(t), nil)
		require.NoError(t, err)

		_, ok := monitor.LastSample()
		assert.False(t, ok)

		taken := monitor.Sample(t.Context())
		last, ok := monitor.LastSample()
		require.True(t, ok)
		assert.Equal(t, taken.TakenAt, last.TakenAt)
	})
}

func TestMonitor_Evaluate(t *testing.T) {
	newMonitorWithRecorder := func(t *testing.T, opts MonitorOptions) (*Monitor, *alertRecorder) {
		t.Helper()
		recorder := newAlertRecorder()
		opts.OnAlert = recorder.sink
		monitor, err := NewMonitor(newTestManager(t), &opts)
		require.NoError(t, err)
		return monitor, recorder
	}

	t.Run("Should warn when heap usage passes the threshold", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{HeapAlertMB: 100})

		monitor.evaluate(t.Context(), Sample{HeapAllocMB: 150})

		alerts := recorder.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityWarning, alerts[0].Severity)
		assert.Equal(t, "heap usage above threshold", alerts[0].Message)
		assert.Equal(t, 150.0, alerts[0].Details["heap_alloc_mb"])
	})

	t.Run("Should escalate to critical past twice the heap threshold", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{HeapAlertMB: 100})

		monitor.evaluate(t.Context(), Sample{HeapAllocMB: 250})

		alerts := recorder.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityCritical, alerts[0].Severity)
	})

	t.Run("Should warn on a high active tenant ratio", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{ActivePercentAlert: 90})

		monitor.evaluate(t.Context(), Sample{
			ActivePercent: 95.5,
			TotalUsers:    200,
			Stats:         tenant.Stats{ActiveInstances: 191},
		})

		alerts := recorder.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityWarning, alerts[0].Severity)
		assert.Equal(t, "active tenant ratio above threshold", alerts[0].Message)
		assert.Equal(t, 191, alerts[0].Details["active_instances"])
	})

	t.Run("Should raise an error once sync failures reach the threshold", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{SyncFailuresAlert: 3})

		monitor.evaluate(t.Context(), Sample{Stats: tenant.Stats{SyncFailures: 2}})
		assert.Empty(t, recorder.all())

		monitor.evaluate(t.Context(), Sample{Stats: tenant.Stats{SyncFailures: 3}})
		alerts := recorder.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityError, alerts[0].Severity)
		assert.Equal(t, "config sync failing repeatedly", alerts[0].Message)
	})

	t.Run("Should stay silent with zero thresholds", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{})

		monitor.evaluate(t.Context(), Sample{
			HeapAllocMB:   100000,
			ActivePercent: 100,
			Stats:         tenant.Stats{SyncFailures: 50},
		})

		assert.Empty(t, recorder.all())
	})

	t.Run("Should report every breached threshold", func(t *testing.T) {
		monitor, recorder := newMonitorWithRecorder(t, MonitorOptions{
			HeapAlertMB:        100,
			ActivePercentAlert: 90,
			SyncFailuresAlert:  3,
		})

		monitor.evaluate(t.Context(), Sample{
			HeapAllocMB:   150,
			ActivePercent: 99,
			Stats:         tenant.Stats{SyncFailures: 4},
		})

		assert.Len(t, recorder.all(), 3)
	})
}

func TestMonitor_Events(t *testing.T) {
	t.Run("Should elevate a sync failure streak to an alert", func(t *testing.T) {
		manager := newTestManager(t)
		manager.Start(t.Context())
		defer manager.Shutdown(context.WithoutCancel(t.Context()))

		recorder := newAlertRecorder()
		monitor, err := NewMonitor(manager, &MonitorOptions{
			Interval:          time.Hour,
			SyncFailuresAlert: 2,
			OnAlert:           recorder.sink,
		})
		require.NoError(t, err)
		monitor.Start(t.Context())
		defer monitor.Stop()

		manager.RecordSyncFailure(t.Context(), "backend down")
		manager.RecordSyncFailure(t.Context(), "backend down")

		alert := waitForAlert(t, recorder)
		assert.Equal(t, SeverityError, alert.Severity)
		assert.Equal(t, "config sync failing repeatedly", alert.Message)
		assert.Equal(t, 2, alert.Details["consecutive_failures"])
		assert.Equal(t, "backend down", alert.Details["error"])
	})

	t.Run("Should start and stop idempotently", func(t *testing.T) {
		manager := newTestManager(t)
		manager.Start(t.Context())
		defer manager.Shutdown(context.WithoutCancel(t.Context()))

		monitor, err := NewMonitor(manager, &MonitorOptions{Interval: time.Hour})
		require.NoError(t, err)

		monitor.Start(t.Context())
		monitor.Start(t.Context())
		monitor.Stop()
		monitor.Stop()
	})
}
