// Package configsync periodically pulls authoritative tenant records
// from the cloud backend and feeds them to the tenant manager. Pulls
// are incremental (since= watermark), paginated (cursor=) and retried
// with capped exponential backoff on failure.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/openclaw/gateway/engine/cloud"
	"github.com/openclaw/gateway/pkg/logger"
)

const (
	defaultInterval          = 5 * time.Minute
	defaultInitialRetryDelay = 5 * time.Second
	defaultMaxRetryDelay     = 5 * time.Minute
	defaultAlertThreshold    = 3

	// followUpDelay schedules the next page of a paginated snapshot.
	followUpDelay = 100 * time.Millisecond
)

// ErrSyncInProgress is returned when a pass is requested while another
// one is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// TenantUpdater is the slice of the tenant manager the synchronizer
// drives.
type TenantUpdater interface {
	UpdateConfigs(ctx context.Context, records []cloud.TenantRecord) int
	RecordSyncFailure(ctx context.Context, msg string)
}

// ConfigFetcher pulls tenant record pages from the cloud backend.
type ConfigFetcher interface {
	FetchConfigs(ctx context.Context, since string, cursor string) (*cloud.ConfigsPage, error)
}

// AlertFunc is invoked when the failure streak reaches the alert
// threshold.
type AlertFunc func(ctx context.Context, consecutiveFailures int, err error)

// Options configure the synchronizer. Zero values fall back to
// defaults.
type Options struct {
	Interval          time.Duration
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	AlertThreshold    int
	AlertFunc         AlertFunc
}

// Result reports the outcome of a single sync pass.
type Result struct {
	Success      bool   `json:"success"`
	UsersUpdated int    `json:"users_updated"`
	Error        string `json:"error,omitempty"`
}

// Status is a point-in-time view of the synchronizer.
type Status struct {
	Running             bool          `json:"running"`
	Syncing             bool          `json:"syncing"`
	Interval            time.Duration `json:"interval"`
	LastSyncTimestamp   string        `json:"last_sync_timestamp,omitempty"`
	LastSyncAt          time.Time     `json:"last_sync_at"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentRetryDelay   time.Duration `json:"current_retry_delay"`
	PendingCursor       bool          `json:"pending_cursor"`
}

// Service owns the sync loop. One pass is in flight at a time; the
// periodic loop and SyncNow share that guarantee.
type Service struct {
	fetcher ConfigFetcher
	updater TenantUpdater
	opts    Options

	mu                  sync.Mutex
	running             bool
	syncing             bool
	lastSyncTimestamp   string
	lastSyncAt          time.Time
	lastError           string
	nextCursor          string
	consecutiveFailures int
	currentRetryDelay   time.Duration
	backoff             retry.Backoff
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
}

// NewService validates its collaborators and applies option defaults.
func NewService(fetcher ConfigFetcher, updater TenantUpdater, opts *Options) (*Service, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("config fetcher is required")
	}
	if updater == nil {
		return nil, fmt.Errorf("tenant updater is required")
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = defaultInitialRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = defaultMaxRetryDelay
	}
	if o.AlertThreshold <= 0 {
		o.AlertThreshold = defaultAlertThreshold
	}
	return &Service{fetcher: fetcher, updater: updater, opts: o}, nil
}

// Start launches the periodic loop; the first pull runs immediately.
// Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	logger.FromContext(ctx).Info("config synchronizer started", "interval", s.opts.Interval)
}

// Stop halts the periodic loop; an in-flight pass finishes on its own.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.FromContext(ctx).Info("config synchronizer stopped")
			return
		case <-timer.C:
			timer.Reset(s.nextDelay(s.SyncNow(ctx)))
		}
	}
}

// nextDelay schedules the follow-up after one pass: the next page
// almost immediately, the regular interval on success, the current
// backoff delay on failure.
func (s *Service) nextDelay(result Result) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case result.Success && s.nextCursor != "":
		return followUpDelay
	case result.Success:
		return s.opts.Interval
	case result.Error == ErrSyncInProgress.Error():
		return s.opts.Interval
	default:
		return s.currentRetryDelay
	}
}

// SyncNow runs a single synchronization pass (one page). Concurrent
// passes are refused, not queued.
func (s *Service) SyncNow(ctx context.Context) Result {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return Result{Success: false, Error: ErrSyncInProgress.Error()}
	}
	s.syncing = true
	since := s.lastSyncTimestamp
	cursor := s.nextCursor
	s.mu.Unlock()

	page, err := s.fetcher.FetchConfigs(ctx, since, cursor)
	if err != nil {
		return s.recordFailure(ctx, err)
	}
	applied := s.updater.UpdateConfigs(ctx, page.Users)
	return s.recordSuccess(ctx, page, applied)
}

func (s *Service) recordSuccess(ctx context.Context, page *cloud.ConfigsPage, applied int) Result {
	s.mu.Lock()
	s.syncing = false
	s.lastSyncAt = time.Now()
	s.lastError = ""
	s.consecutiveFailures = 0
	s.currentRetryDelay = 0
	s.backoff = nil
	if page.HasMore && page.NextCursor != "" {
		// Keep the old watermark until the snapshot is fully drained so
		// a crash mid-pagination cannot skip records.
		s.nextCursor = page.NextCursor
	} else {
		s.nextCursor = ""
		if page.SyncTimestamp != "" {
			s.lastSyncTimestamp = page.SyncTimestamp
		}
	}
	hasMore := s.nextCursor != ""
	s.mu.Unlock()

	logger.FromContext(ctx).Info("config sync completed",
		"users_updated", applied, "has_more", hasMore)
	return Result{Success: true, UsersUpdated: applied}
}

func (s *Service) recordFailure(ctx context.Context, err error) Result {
	s.mu.Lock()
	s.syncing = false
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	if s.backoff == nil {
		s.backoff = retry.WithCappedDuration(s.opts.MaxRetryDelay, retry.NewExponential(s.opts.InitialRetryDelay))
	}
	delay, _ := s.backoff.Next()
	s.currentRetryDelay = delay
	s.lastError = err.Error()
	s.mu.Unlock()

	logger.FromContext(ctx).Error("config sync failed",
		"error", err, "consecutive_failures", failures, "retry_in", delay)
	s.updater.RecordSyncFailure(ctx, err.Error())
	if failures >= s.opts.AlertThreshold && s.opts.AlertFunc != nil {
		s.opts.AlertFunc(ctx, failures, err)
	}
	return Result{Success: false, Error: err.Error()}
}

// Status returns a snapshot of the synchronizer state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:             s.running,
		Syncing:             s.syncing,
		Interval:            s.opts.Interval,
		LastSyncTimestamp:   s.lastSyncTimestamp,
		LastSyncAt:          s.lastSyncAt,
		LastError:           s.lastError,
		ConsecutiveFailures: s.consecutiveFailures,
		CurrentRetryDelay:   s.currentRetryDelay,
		PendingCursor:       s.nextCursor != "",
	}
}
