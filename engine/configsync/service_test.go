package configsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/engine/cloud"
)

type fetchCall struct {
	since  string
	cursor string
}

type fetchResponse struct {
	page *cloud.ConfigsPage
	err  error
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	queue []fetchResponse
	block chan struct{}
}

func (f *fakeFetcher) FetchConfigs(_ context.Context, since string, cursor string) (*cloud.ConfigsPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{since: since, cursor: cursor})
	var next fetchResponse
	if len(f.queue) > 0 {
		next = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		next = fetchResponse{page: &cloud.ConfigsPage{SyncTimestamp: "2026-01-01T00:00:00Z"}}
	}
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	return next.page, next.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) call(i int) fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeUpdater struct {
	mu       sync.Mutex
	batches  [][]cloud.TenantRecord
	failures []string
}

func (u *fakeUpdater) UpdateConfigs(_ context.Context, records []cloud.TenantRecord) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batches = append(u.batches, records)
	return len(records)
}

func (u *fakeUpdater) RecordSyncFailure(_ context.Context, msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = append(u.failures, msg)
}

func (u *fakeUpdater) failureCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.failures)
}

func TestNewService(t *testing.T) {
	t.Run("Should require collaborators", func(t *testing.T) {
		_, err := NewService(nil, &fakeUpdater{}, nil)
		assert.Error(t, err)
		_, err = NewService(&fakeFetcher{}, nil, nil)
		assert.Error(t, err)
	})

	t.Run("Should apply defaults", func(t *testing.T) {
		svc, err := NewService(&fakeFetcher{}, &fakeUpdater{}, nil)
		require.NoError(t, err)
		status := svc.Status()
		assert.Equal(t, 5*time.Minute, status.Interval)
		assert.Equal(t, defaultInitialRetryDelay, svc.opts.InitialRetryDelay)
		assert.Equal(t, defaultMaxRetryDelay, svc.opts.MaxRetryDelay)
		assert.Equal(t, defaultAlertThreshold, svc.opts.AlertThreshold)
	})
}

func TestService_SyncNow(t *testing.T) {
	t.Run("Should feed fetched records to the updater", func(t *testing.T) {
		fetcher := &fakeFetcher{queue: []fetchResponse{{
			page: &cloud.ConfigsPage{
				Users:         []cloud.TenantRecord{{UserID: "u-1"}, {UserID: "u-2"}},
				SyncTimestamp: "2026-01-01T00:00:00Z",
			},
		}}}
		updater := &fakeUpdater{}
		svc, err := NewService(fetcher, updater, nil)
		require.NoError(t, err)

		result := svc.SyncNow(t.Context())
		assert.True(t, result.Success)
		assert.Equal(t, 2, result.UsersUpdated)
		require.Len(t, updater.batches, 1)
		assert.Len(t, updater.batches[0], 2)
	})

	t.Run("Should advance the since watermark between passes", func(t *testing.T) {
		fetcher := &fakeFetcher{queue: []fetchResponse{
			{page: &cloud.ConfigsPage{SyncTimestamp: "2026-01-01T00:00:00Z"}},
			{page: &cloud.ConfigsPage{SyncTimestamp: "2026-01-02T00:00:00Z"}},
		}}
		svc, err := NewService(fetcher, &fakeUpdater{}, nil)
		require.NoError(t, err)

		svc.SyncNow(t.Context())
		svc.SyncNow(t.Context())

		assert.Equal(t, "", fetcher.call(0).since)
		assert.Equal(t, "2026-01-01T00:00:00Z", fetcher.call(1).since)
		assert.Equal(t, "2026-01-01T00:00:00Z", svc.Status().LastSyncTimestamp)
	})

	t.Run("Should walk pagination with the cursor and adopt the watermark at the end", func(t *testing.T) {
		fetcher := &fakeFetcher{queue: []fetchResponse{
			{page: &cloud.ConfigsPage{
				Users:         []cloud.TenantRecord{{UserID: "u-1"}},
				SyncTimestamp: "2026-01-05T00:00:00Z",
				HasMore:       true,
				NextCursor:    "c-1",
			}},
			{page: &cloud.ConfigsPage{
				Users:         []cloud.TenantRecord{{UserID: "u-2"}},
				SyncTimestamp: "2026-01-05T00:00:00Z",
			}},
		}}
		svc, err := NewService(fetcher, &fakeUpdater{}, nil)
		require.NoError(t, err)

		result := svc.SyncNow(t.Context())
		require.True(t, result.Success)
		status := svc.Status()
		assert.True(t, status.PendingCursor)
		assert.Empty(t, status.LastSyncTimestamp, "watermark must not move mid-snapshot")

		result = svc.SyncNow(t.Context())
		require.True(t, result.Success)
		status = svc.Status()
		assert.False(t, status.PendingCursor)
		assert.Equal(t, "2026-01-05T00:00:00Z", status.LastSyncTimestamp)

		assert.Equal(t, fetchCall{since: "", cursor: ""}, fetcher.call(0))
		assert.Equal(t, fetchCall{since: "", cursor: "c-1"}, fetcher.call(1))
	})

	t.Run("Should refuse concurrent passes", func(t *testing.T) {
		fetcher := &fakeFetcher{block: make(chan struct{})}
		svc, err := NewService(fetcher, &fakeUpdater{}, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var first Result
		wg.Add(1)
		go func() {
			defer wg.Done()
			first = svc.SyncNow(context.Background())
		}()

		require.Eventually(t, func() bool { return svc.Status().Syncing }, time.Second, 5*time.Millisecond)
		second := svc.SyncNow(t.Context())
		assert.False(t, second.Success)
		assert.Equal(t, ErrSyncInProgress.Error(), second.Error)

		close(fetcher.block)
		wg.Wait()
		assert.True(t, first.Success)
	})
}

func TestService_Backoff(t *testing.T) {
	failNTimes := func(n int) []fetchResponse {
		responses := make([]fetchResponse, 0, n+1)
		for i := 0; i < n; i++ {
			responses = append(responses, fetchResponse{err: errors.New("backend unreachable")})
		}
		responses = append(responses, fetchResponse{page: &cloud.ConfigsPage{SyncTimestamp: "2026-01-01T00:00:00Z"}})
		return responses
	}

	t.Run("Should double the retry delay up to the cap and reset on success", func(t *testing.T) {
		fetcher := &fakeFetcher{queue: failNTimes(5)}
		updater := &fakeUpdater{}
		var alertMu sync.Mutex
		alerts := make([]int, 0, 2)
		svc, err := NewService(fetcher, updater, &Options{
			InitialRetryDelay: time.Second,
			MaxRetryDelay:     8 * time.Second,
			AlertThreshold:    4,
			AlertFunc: func(_ context.Context, failures int, _ error) {
				alertMu.Lock()
				alerts = append(alerts, failures)
				alertMu.Unlock()
			},
		})
		require.NoError(t, err)

		expected := []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			8 * time.Second, // capped
		}
		for i, want := range expected {
			result := svc.SyncNow(t.Context())
			require.False(t, result.Success)
			status := svc.Status()
			assert.Equal(t, i+1, status.ConsecutiveFailures)
			assert.Equal(t, want, status.CurrentRetryDelay)
		}

		result := svc.SyncNow(t.Context())
		require.True(t, result.Success)
		status := svc.Status()
		assert.Equal(t, 0, status.ConsecutiveFailures)
		assert.Equal(t, time.Duration(0), status.CurrentRetryDelay)
		assert.Empty(t, status.LastError)

		assert.Equal(t, 5, updater.failureCount())
		assert.Equal(t, []int{4, 5}, alerts)
	})

	t.Run("Should restart the backoff sequence after recovery", func(t *testing.T) {
		queue := failNTimes(1)
		queue = append(queue, fetchResponse{err: errors.New("backend unreachable")})
		fetcher := &fakeFetcher{queue: queue}
		svc, err := NewService(fetcher, &fakeUpdater{}, &Options{
			InitialRetryDelay: time.Second,
			MaxRetryDelay:     8 * time.Second,
		})
		require.NoError(t, err)

		svc.SyncNow(t.Context()) // failure -> 1s
		assert.Equal(t, time.Second, svc.Status().CurrentRetryDelay)
		svc.SyncNow(t.Context()) // success -> reset
		require.Equal(t, 0, svc.Status().ConsecutiveFailures)

		svc.SyncNow(t.Context()) // failure -> back to 1s, not 2s
		assert.Equal(t, time.Second, svc.Status().CurrentRetryDelay)
		assert.Equal(t, 1, svc.Status().ConsecutiveFailures)
	})

	t.Run("Should alert on every failure at or past the threshold", func(t *testing.T) {
		fetcher := &fakeFetcher{queue: failNTimes(3)}
		var alertMu sync.Mutex
		alerted := 0
		svc, err := NewService(fetcher, &fakeUpdater{}, &Options{
			InitialRetryDelay: time.Second,
			MaxRetryDelay:     8 * time.Second,
			AlertThreshold:    2,
			AlertFunc: func(_ context.Context, _ int, _ error) {
				alertMu.Lock()
				alerted++
				alertMu.Unlock()
			},
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			svc.SyncNow(t.Context())
		}
		assert.Equal(t, 2, alerted)
	})
}

func TestService_Lifecycle(t *testing.T) {
	t.Run("Should run immediately on start and keep ticking", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		svc, err := NewService(fetcher, &fakeUpdater{}, &Options{Interval: 20 * time.Millisecond})
		require.NoError(t, err)

		svc.Start(t.Context())
		defer svc.Stop()

		require.Eventually(t, func() bool { return fetcher.callCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
		assert.True(t, svc.Status().Running)
	})

	t.Run("Should stop ticking after stop", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		svc, err := NewService(fetcher, &fakeUpdater{}, &Options{Interval: 20 * time.Millisecond})
		require.NoError(t, err)

		svc.Start(t.Context())
		require.Eventually(t, func() bool { return fetcher.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
		svc.Stop()

		settled := fetcher.callCount()
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, settled, fetcher.callCount())
		assert.False(t, svc.Status().Running)
	})

	t.Run("Should tolerate double start and double stop", func(t *testing.T) {
		svc, err := NewService(&fakeFetcher{}, &fakeUpdater{}, &Options{Interval: time.Hour})
		require.NoError(t, err)

		svc.Start(t.Context())
		svc.Start(t.Context())
		svc.Stop()
		svc.Stop()
	})
}
