package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/openclaw/gateway/engine/tenant"
	"github.com/openclaw/gateway/pkg/logger"
)

// Severity grades a monitor alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach or elevated lifecycle event.
type Alert struct {
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// AlertSink receives alerts in addition to the log; nil means log-only.
type AlertSink func(ctx context.Context, alert Alert)

// MonitorOptions configure the periodic monitor. A zero threshold
// disables that check.
type MonitorOptions struct {
	Interval           time.Duration // default 60s
	HeapAlertMB        float64
	ActivePercentAlert float64
	SyncFailuresAlert  int
	OnAlert            AlertSink
}

// Sample is one periodic snapshot of manager and process health.
type Sample struct {
	TakenAt       time.Time    `json:"taken_at"`
	Stats         tenant.Stats `json:"stats"`
	TotalUsers    int          `json:"total_users"`
	ActivePercent float64      `json:"active_percent"`
	HeapAllocMB   float64      `json:"heap_alloc_mb"`
	SysMB         float64      `json:"sys_mb"`
}

// Monitor samples the tenant manager on a fixed period, raises alerts
// on threshold breaches and mirrors the manager's event stream into the
// log.
type Monitor struct {
	manager *tenant.Manager
	opts    MonitorOptions

	mu      sync.Mutex
	running bool
	last    *Sample
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     tenant.Subscriber
}

// NewMonitor builds a monitor over the given manager.
func NewMonitor(manager *tenant.Manager, opts *MonitorOptions) (*Monitor, error) {
	if manager == nil {
		return nil, fmt.Errorf("tenant manager is required")
	}
	o := MonitorOptions{}
	if opts != nil {
		o = *opts
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	return &Monitor{manager: manager, opts: o}, nil
}

// Start launches the sampling tick and the event listener. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.sub = m.manager.Subscribe()
	sub := m.sub
	m.mu.Unlock()

	m.wg.Add(2)
	go m.sampleLoop(runCtx)
	go m.eventLoop(runCtx, sub)
	logger.FromContext(ctx).Info("monitor started", "interval", m.opts.Interval)
}

// Stop halts sampling and unsubscribes from manager events.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		m.manager.Unsubscribe(sub)
	}
	m.wg.Wait()
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

func (m *Monitor) eventLoop(ctx context.Context, sub tenant.Subscriber) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			m.handleEvent(ctx, evt)
		}
	}
}

// Sample takes one snapshot, evaluates the thresholds and returns the
// sample. Exported so the CLI and tests can trigger a tick on demand.
func (m *Monitor) Sample(ctx context.Context) Sample {
	stats := m.manager.Stats()
	totalUsers := 0
	if onDisk, err := m.manager.OnDiskUserIDs(); err == nil {
		totalUsers = len(onDisk)
	} else {
		logger.FromContext(ctx).Warn("failed to enumerate on-disk tenants", "error", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sample := Sample{
		TakenAt:     time.Now(),
		Stats:       stats,
		TotalUsers:  totalUsers,
		HeapAllocMB: float64(mem.HeapAlloc) / bytesPerMB,
		SysMB:       float64(mem.Sys) / bytesPerMB,
	}
	if totalUsers > 0 {
		sample.ActivePercent = float64(stats.ActiveInstances) / float64(totalUsers) * 100
	}

	m.mu.Lock()
	m.last = &sample
	m.mu.Unlock()

	logger.FromContext(ctx).Debug("monitor sample",
		"active_instances", stats.ActiveInstances,
		"total_users", totalUsers,
		"pending_requests", stats.PendingRequests,
		"heap_alloc_mb", fmt.Sprintf("%.1f", sample.HeapAllocMB),
	)
	m.evaluate(ctx, sample)
	return sample
}

// evaluate applies the configured thresholds to one sample.
func (m *Monitor) evaluate(ctx context.Context, sample Sample) {
	if m.opts.HeapAlertMB > 0 && sample.HeapAllocMB > m.opts.HeapAlertMB {
		severity := SeverityWarning
		if sample.HeapAllocMB > 2*m.opts.HeapAlertMB {
			severity = SeverityCritical
		}
		m.alert(ctx, Alert{
			Severity: severity,
			Message:  "heap usage above threshold",
			Details: map[string]any{
				"heap_alloc_mb": sample.HeapAllocMB,
				"threshold_mb":  m.opts.HeapAlertMB,
			},
		})
	}
	if m.opts.ActivePercentAlert > 0 && sample.ActivePercent > m.opts.ActivePercentAlert {
		m.alert(ctx, Alert{
			Severity: SeverityWarning,
			Message:  "active tenant ratio above threshold",
			Details: map[string]any{
				"active_percent":    sample.ActivePercent,
				"threshold_percent": m.opts.ActivePercentAlert,
				"active_instances":  sample.Stats.ActiveInstances,
				"total_users":       sample.TotalUsers,
			},
		})
	}
	if m.opts.SyncFailuresAlert > 0 && sample.Stats.SyncFailures >= m.opts.SyncFailuresAlert {
		m.alert(ctx, Alert{
			Severity: SeverityError,
			Message:  "config sync failing repeatedly",
			Details: map[string]any{
				"consecutive_failures": sample.Stats.SyncFailures,
				"threshold":            m.opts.SyncFailuresAlert,
			},
		})
	}
}

// handleEvent mirrors lifecycle events into the log and elevates
// sync-failed to an alert once the failure streak passes the threshold.
func (m *Monitor) handleEvent(ctx context.Context, evt tenant.Event) {
	log := logger.FromContext(ctx)
	switch evt.Type {
	case tenant.EventUserLoaded:
		log.Info("tenant lifecycle", "event", string(evt.Type), "user_id", evt.UserID)
	case tenant.EventUserEvicted:
		log.Info("tenant lifecycle", "event", string(evt.Type), "user_id", evt.UserID, "reason", string(evt.Reason))
	case tenant.EventUserSuspended, tenant.EventUserExpired:
		log.Warn("tenant lifecycle", "event", string(evt.Type), "user_id", evt.UserID)
	case tenant.EventConfigSynced:
		log.Debug("config synced", "count", evt.Count, "timestamp", evt.SyncTimestamp)
	case tenant.EventSyncFailed:
		if m.opts.SyncFailuresAlert > 0 && evt.ConsecutiveFailures >= m.opts.SyncFailuresAlert {
			m.alert(ctx, Alert{
				Severity: SeverityError,
				Message:  "config sync failing repeatedly",
				Details: map[string]any{
					"consecutive_failures": evt.ConsecutiveFailures,
					"error":                evt.Error,
				},
			})
			return
		}
		log.Warn("config sync failed", "error", evt.Error, "consecutive_failures", evt.ConsecutiveFailures)
	}
}

// LastSample returns the most recent snapshot, if one was taken.
func (m *Monitor) LastSample() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Sample{}, false
	}
	return *m.last, true
}

func (m *Monitor) alert(ctx context.Context, alert Alert) {
	log := logger.FromContext(ctx)
	keyvals := make([]any, 0, 2*len(alert.Details)+2)
	keyvals = append(keyvals, "severity", string(alert.Severity))
	for key, value := range alert.Details {
		keyvals = append(keyvals, key, value)
	}
	switch alert.Severity {
	case SeverityCritical, SeverityError:
		log.Error(alert.Message, keyvals...)
	case SeverityWarning:
		log.Warn(alert.Message, keyvals...)
	default:
		log.Info(alert.Message, keyvals...)
	}
	if m.opts.OnAlert != nil {
		m.opts.OnAlert(ctx, alert)
	}
}
