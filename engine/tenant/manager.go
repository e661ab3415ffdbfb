// Package tenant implements the multi-tenant core of the gateway: the
// token directory, the bounded instance cache with idle and LRU
// eviction, per-tenant provisioning and the event stream the monitor
// consumes.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openclaw/gateway/engine/cloud"
	"github.com/openclaw/gateway/engine/workspace"
	"github.com/openclaw/gateway/pkg/logger"
)

const (
	defaultMaxCachedUsers  = 100
	defaultIdleTimeout     = time.Hour
	defaultCleanupInterval = time.Second
)

// TokenVerifier resolves tokens the local index does not know. The
// cloud client satisfies it; tests substitute fakes.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*cloud.VerifyResult, error)
}

// Options configure a tenant Manager. ConfigRoot and WorkspaceRoot are
// required; zero values elsewhere fall back to defaults.
type Options struct {
	ConfigRoot      string
	WorkspaceRoot   string
	TemplatePath    string
	LLMProxyURL     string
	MaxCachedUsers  int
	UserIdleTimeout time.Duration
	CleanupInterval time.Duration
	Verifier        TokenVerifier
}

// recordMeta is the slice of a tenant's upstream record that outlives
// cache eviction: re-loading an idle-evicted tenant from disk must see
// the most recent status and credential, not defaults.
type recordMeta struct {
	status    Status
	llmAPIKey string
}

// Stats is a point-in-time snapshot of the manager's counters.
type Stats struct {
	ActiveInstances int       `json:"active_instances"`
	TokensIndexed   int       `json:"tokens_indexed"`
	PendingRequests int       `json:"pending_requests"`
	CacheHits       int64     `json:"cache_hits"`
	CacheMisses     int64     `json:"cache_misses"`
	Evictions       int64     `json:"evictions"`
	SyncFailures    int       `json:"sync_failures"`
	LastSyncAt      time.Time `json:"last_sync_at"`
}

// Manager owns the tenant cache. All shared state sits behind one
// mutex; the lock is never held across remote verification I/O.
type Manager struct {
	opts        Options
	provisioner *Provisioner
	broker      *Broker
	verifyGroup singleflight.Group

	mu         sync.Mutex
	instances  map[string]*Instance
	tokenIndex map[string]string
	resolvers  map[string]*workspace.Resolver
	meta       map[string]recordMeta

	cacheHits    int64
	cacheMisses  int64
	evictions    int64
	syncFailures int
	lastSyncAt   time.Time

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager validates options and builds a manager. The manager is
// usable immediately; Start only adds the periodic cleanup tick.
func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		return nil, fmt.Errorf("manager options are required")
	}
	if opts.ConfigRoot == "" || opts.WorkspaceRoot == "" {
		return nil, fmt.Errorf("config root and workspace root are required")
	}
	o := *opts
	if o.MaxCachedUsers <= 0 {
		o.MaxCachedUsers = defaultMaxCachedUsers
	}
	if o.UserIdleTimeout <= 0 {
		o.UserIdleTimeout = defaultIdleTimeout
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaultCleanupInterval
	}
	return &Manager{
		opts:        o,
		provisioner: NewProvisioner(o.LLMProxyURL),
		broker:      NewBroker(),
		instances:   make(map[string]*Instance),
		tokenIndex:  make(map[string]string),
		resolvers:   make(map[string]*workspace.Resolver),
		meta:        make(map[string]recordMeta),
	}, nil
}

// Start launches the event dispatcher and the periodic cleanup tick.
// Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.broker.Start()
	m.wg.Add(1)
	go m.cleanupLoop(runCtx)
	logger.FromContext(ctx).Info("tenant manager started",
		"max_cached_users", m.opts.MaxCachedUsers,
		"idle_timeout", m.opts.UserIdleTimeout,
	)
}

// Stop cancels the cleanup tick. Cached instances stay resident so
// in-flight requests can drain; Shutdown releases them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Shutdown stops periodic work, evicts every cached instance and clears
// the token index.
func (m *Manager) Shutdown(ctx context.Context) {
	m.Stop()

	m.mu.Lock()
	for _, userID := range m.sortedUserIDsLocked() {
		m.evictLocked(ctx, userID, EvictShutdown)
	}
	m.tokenIndex = make(map[string]string)
	m.meta = make(map[string]recordMeta)
	m.mu.Unlock()

	m.broker.Stop()
	logger.FromContext(ctx).Info("tenant manager shut down")
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactive(ctx)
		}
	}
}

// AuthenticateToken resolves a gateway token to a user id. Only active
// tenants authenticate; suspended and expired tenants emit their
// lifecycle event and are refused. Tokens the local index does not know
// are verified against the cloud backend when a verifier is configured.
func (m *Manager) AuthenticateToken(ctx context.Context, token string) (string, bool) {
	if token == "" {
		return "", false
	}

	m.mu.Lock()
	if userID, indexed := m.tokenIndex[token]; indexed {
		inst := m.instances[userID]
		if inst == nil {
			loaded, err := m.loadKnownLocked(ctx, userID)
			if err != nil {
				logger.FromContext(ctx).Error("failed to load tenant from disk",
					"user_id", userID, "error", err)
			}
			inst = loaded
		}
		if inst != nil {
			m.cacheHits++
			id, ok := m.authorizeLocked(ctx, inst)
			m.mu.Unlock()
			return id, ok
		}
		// Indexed but nothing on disk: fall through to remote verify.
	}
	m.cacheMisses++
	m.mu.Unlock()

	return m.verifyRemote(ctx, token)
}

// authorizeLocked applies the status gate for one instance. Caller
// holds m.mu.
func (m *Manager) authorizeLocked(ctx context.Context, inst *Instance) (string, bool) {
	switch inst.Status {
	case StatusActive:
		inst.LastActivityAt = time.Now()
		return inst.UserID, true
	case StatusSuspended:
		m.publish(Event{Type: EventUserSuspended, UserID: inst.UserID})
		logger.FromContext(ctx).Warn("refused suspended tenant", "user_id", inst.UserID)
		return "", false
	default:
		m.publish(Event{Type: EventUserExpired, UserID: inst.UserID})
		logger.FromContext(ctx).Warn("refused expired tenant", "user_id", inst.UserID)
		return "", false
	}
}

// verifyRemote resolves an unknown token upstream. Concurrent calls for
// the same token share one round trip; the manager lock is not held
// during the call.
func (m *Manager) verifyRemote(ctx context.Context, token string) (string, bool) {
	log := logger.FromContext(ctx)
	if m.opts.Verifier == nil {
		log.Debug("gateway token not in local index and no verifier configured")
		return "", false
	}

	result, err, _ := m.verifyGroup.Do(token, func() (any, error) {
		return m.opts.Verifier.VerifyToken(ctx, token)
	})
	if err != nil {
		if errors.Is(err, cloud.ErrUnauthorized) {
			log.Warn("gateway token rejected by cloud backend")
		} else {
			log.Error("gateway token verification failed", "error", err)
		}
		return "", false
	}
	verified, ok := result.(*cloud.VerifyResult)
	if !ok || verified == nil {
		return "", false
	}
	return m.adoptVerified(ctx, token, verified)
}

// adoptVerified indexes a freshly verified token and caches the tenant.
// The instance may have appeared while the lock was released, in which
// case it is patched instead of rebuilt.
func (m *Manager) adoptVerified(ctx context.Context, token string, verified *cloud.VerifyResult) (string, bool) {
	log := logger.FromContext(ctx)
	paths, err := PathsFor(m.opts.ConfigRoot, m.opts.WorkspaceRoot, verified.UserID)
	if err != nil {
		log.Error("verified token maps to an unusable user id",
			"user_id", verified.UserID, "error", err)
		return "", false
	}
	status := ParseStatus(verified.Status)

	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.meta[paths.UserID]
	meta.status = status
	m.meta[paths.UserID] = meta
	m.tokenIndex[token] = paths.UserID

	inst := m.instances[paths.UserID]
	if inst == nil {
		inst, err = m.materializeLocked(ctx, paths, copyConfig(verified.OpenclawConfig))
		if err != nil {
			log.Error("failed to materialize verified tenant",
				"user_id", paths.UserID, "error", err)
			return "", false
		}
	} else {
		inst.Config = copyConfig(verified.OpenclawConfig)
		inst.Status = status
	}
	if err := WriteUserConfig(paths, verified.OpenclawConfig); err != nil {
		log.Warn("failed to persist verified config", "user_id", paths.UserID, "error", err)
	}
	return m.authorizeLocked(ctx, inst)
}

// GetInstance returns a snapshot of the cached instance, loading it
// from disk on a miss. A tenant with no on-disk config yields
// (nil, nil) rather than an error.
func (m *Manager) GetInstance(ctx context.Context, userID string) (*Instance, error) {
	paths, err := PathsFor(m.opts.ConfigRoot, m.opts.WorkspaceRoot, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[paths.UserID]; ok {
		m.cacheHits++
		inst.LastActivityAt = time.Now()
		return inst.snapshot(), nil
	}
	m.cacheMisses++
	inst, err := m.loadKnownLocked(ctx, paths.UserID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, nil
	}
	return inst.snapshot(), nil
}

// loadKnownLocked materializes a tenant from its on-disk config. Caller
// holds m.mu; userID is already sanitized. Returns (nil, nil) when no
// config exists on disk.
func (m *Manager) loadKnownLocked(ctx context.Context, userID string) (*Instance, error) {
	paths, err := PathsFor(m.opts.ConfigRoot, m.opts.WorkspaceRoot, userID)
	if err != nil {
		return nil, err
	}
	config, err := ReadUserConfig(paths)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, nil
	}
	return m.materializeLocked(ctx, paths, config)
}

// materializeLocked provisions the tenant on disk and inserts a fresh
// instance into the cache. Caller holds m.mu. Status and credential
// come from the meta projection so a re-load after eviction keeps the
// most recent upstream view; tenants never seen by sync or verify
// default to active.
func (m *Manager) materializeLocked(ctx context.Context, paths Paths, config map[string]any) (*Instance, error) {
	meta := m.meta[paths.UserID]
	status := meta.status
	if status == "" {
		status = StatusActive
	}
	if err := m.provisioner.Provision(ctx, paths, meta.llmAPIKey); err != nil {
		return nil, err
	}
	inst := &Instance{
		UserID:         paths.UserID,
		Status:         status,
		Config:         config,
		LLMAPIKey:      meta.llmAPIKey,
		WorkspacePath:  paths.WorkspacePath,
		ConfigPath:     paths.ConfigPath,
		AgentDir:       paths.AgentDir,
		LastActivityAt: time.Now(),
	}
	m.instances[paths.UserID] = inst
	m.resolvers[paths.UserID] = workspace.NewResolver(paths.WorkspacePath, m.opts.TemplatePath)
	m.publish(Event{Type: EventUserLoaded, UserID: paths.UserID})
	logger.FromContext(ctx).Info("tenant loaded", "user_id", paths.UserID, "status", string(status))
	return inst, nil
}

// Resolver returns the workspace resolver for a cached tenant.
func (m *Manager) Resolver(userID string) (*workspace.Resolver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resolver, ok := m.resolvers[userID]
	return resolver, ok
}

// UpdateConfigs applies a batch of upstream tenant records: indexes
// tokens, persists configs to disk and patches cached instances in
// place. A failing record is logged and skipped; the batch proceeds.
// Returns the number of records applied.
func (m *Manager) UpdateConfigs(ctx context.Context, records []cloud.TenantRecord) int {
	log := logger.FromContext(ctx)
	applied := 0

	m.mu.Lock()
	for i := range records {
		if err := m.applyRecordLocked(ctx, &records[i]); err != nil {
			log.Error("skipping tenant record", "user_id", records[i].UserID, "error", err)
			continue
		}
		applied++
	}
	m.lastSyncAt = time.Now()
	m.syncFailures = 0
	syncedAt := m.lastSyncAt
	m.mu.Unlock()

	m.publish(Event{
		Type:          EventConfigSynced,
		Count:         applied,
		SyncTimestamp: syncedAt.UTC().Format(time.RFC3339),
	})
	log.Debug("applied tenant records", "applied", applied, "received", len(records))
	return applied
}

// applyRecordLocked commits one record: disk first, memory second, so a
// storage failure leaves the prior in-memory version in force.
func (m *Manager) applyRecordLocked(ctx context.Context, record *cloud.TenantRecord) error {
	paths, err := PathsFor(m.opts.ConfigRoot, m.opts.WorkspaceRoot, record.UserID)
	if err != nil {
		return err
	}
	if err := WriteUserConfig(paths, record.OpenclawConfig); err != nil {
		return err
	}

	status := ParseStatus(record.Status)
	m.meta[paths.UserID] = recordMeta{status: status, llmAPIKey: record.LLMAPIKey}
	if record.GatewayToken != "" {
		m.tokenIndex[record.GatewayToken] = paths.UserID
	}

	if inst, ok := m.instances[paths.UserID]; ok {
		// Re-provision so rotated credentials reach the workspace.
		if err := m.provisioner.Provision(ctx, paths, record.LLMAPIKey); err != nil {
			return err
		}
		inst.Config = copyConfig(record.OpenclawConfig)
		inst.Status = status
		inst.LLMAPIKey = record.LLMAPIKey
		inst.LastActivityAt = time.Now()
	}
	return nil
}

// RecordSyncFailure notes a failed sync pull and emits sync-failed.
func (m *Manager) RecordSyncFailure(ctx context.Context, msg string) {
	m.mu.Lock()
	m.syncFailures++
	failures := m.syncFailures
	m.mu.Unlock()

	m.publish(Event{Type: EventSyncFailed, Error: msg, ConsecutiveFailures: failures})
	logger.FromContext(ctx).Warn("sync failure recorded",
		"consecutive_failures", failures, "error", msg)
}

// IncrementPending marks one request in flight for a cached tenant.
// While the counter is positive the instance cannot be evicted.
func (m *Manager) IncrementPending(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[userID]
	if !ok {
		return false
	}
	inst.PendingRequests++
	inst.LastActivityAt = time.Now()
	return true
}

// DecrementPending releases one in-flight request. Decrementing at zero
// is a no-op so a double release cannot drive the counter negative.
func (m *Manager) DecrementPending(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[userID]
	if !ok {
		return false
	}
	if inst.PendingRequests > 0 {
		inst.PendingRequests--
	}
	inst.LastActivityAt = time.Now()
	return true
}

// PendingRequestsFor returns the in-flight counter for a cached tenant.
func (m *Manager) PendingRequestsFor(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[userID]; ok {
		return inst.PendingRequests
	}
	return 0
}

// CleanupInactive runs the idle pass, then trims the cache to
// MaxCachedUsers evicting the least recently active first. Instances
// with in-flight requests are never evicted. Returns the number of
// evictions.
func (m *Manager) CleanupInactive(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evicted := 0
	for _, userID := range m.sortedUserIDsLocked() {
		inst := m.instances[userID]
		if inst.PendingRequests > 0 {
			continue
		}
		if now.Sub(inst.LastActivityAt) > m.opts.UserIdleTimeout {
			m.evictLocked(ctx, userID, EvictIdle)
			evicted++
		}
	}
	for len(m.instances) > m.opts.MaxCachedUsers {
		victim, ok := m.oldestEvictableLocked()
		if !ok {
			break
		}
		m.evictLocked(ctx, victim, EvictLRU)
		evicted++
	}
	return evicted
}

// oldestEvictableLocked picks the LRU victim among instances without
// pending work. Iteration is in sorted id order so equal timestamps
// break ties deterministically.
func (m *Manager) oldestEvictableLocked() (string, bool) {
	victim := ""
	var oldest time.Time
	for _, userID := range m.sortedUserIDsLocked() {
		inst := m.instances[userID]
		if inst.PendingRequests > 0 {
			continue
		}
		if victim == "" || inst.LastActivityAt.Before(oldest) {
			victim = userID
			oldest = inst.LastActivityAt
		}
	}
	return victim, victim != ""
}

// ForceEvict removes a tenant immediately, severing its token bindings.
// A tenant with in-flight requests is refused unless override is set.
// Returns whether anything was removed.
func (m *Manager) ForceEvict(ctx context.Context, userID string, override bool) bool {
	id, err := SanitizeUserID(userID)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inst, cached := m.instances[id]
	if !cached {
		return m.dropBindingsLocked(id)
	}
	if inst.PendingRequests > 0 && !override {
		logger.FromContext(ctx).Warn("refusing to evict tenant with in-flight requests",
			"user_id", id, "pending_requests", inst.PendingRequests)
		return false
	}
	m.evictLocked(ctx, id, EvictManual)
	return true
}

// dropBindingsLocked removes token and meta entries for a tenant that
// is not cached. Caller holds m.mu.
func (m *Manager) dropBindingsLocked(userID string) bool {
	removed := false
	for token, owner := range m.tokenIndex {
		if owner == userID {
			delete(m.tokenIndex, token)
			removed = true
		}
	}
	if _, ok := m.meta[userID]; ok {
		delete(m.meta, userID)
		removed = true
	}
	return removed
}

// evictLocked drops an instance from the cache. Idle and LRU evictions
// keep the token bindings so the tenant can be re-loaded from disk;
// manual eviction and shutdown sever them. Caller holds m.mu.
func (m *Manager) evictLocked(ctx context.Context, userID string, reason EvictReason) {
	delete(m.instances, userID)
	delete(m.resolvers, userID)
	if reason == EvictManual || reason == EvictShutdown {
		m.dropBindingsLocked(userID)
	}
	m.evictions++
	m.publish(Event{Type: EventUserEvicted, UserID: userID, Reason: reason})
	logger.FromContext(ctx).Info("tenant evicted", "user_id", userID, "reason", string(reason))
}

func (m *Manager) sortedUserIDsLocked() []string {
	ids := make([]string, 0, len(m.instances))
	for userID := range m.instances {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := 0
	for _, inst := range m.instances {
		pending += inst.PendingRequests
	}
	return Stats{
		ActiveInstances: len(m.instances),
		TokensIndexed:   len(m.tokenIndex),
		PendingRequests: pending,
		CacheHits:       m.cacheHits,
		CacheMisses:     m.cacheMisses,
		Evictions:       m.evictions,
		SyncFailures:    m.syncFailures,
		LastSyncAt:      m.lastSyncAt,
	}
}

// UserIDs returns the ids of all cached instances in sorted order.
func (m *Manager) UserIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedUserIDsLocked()
}

// CachedInstances returns snapshots of every cached instance in sorted
// id order. Unlike GetInstance it never touches the disk, so it is safe
// to call from admin surfaces without inflating the cache.
func (m *Manager) CachedInstances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshots := make([]*Instance, 0, len(m.instances))
	for _, userID := range m.sortedUserIDsLocked() {
		snapshots = append(snapshots, m.instances[userID].snapshot())
	}
	return snapshots
}

// HasToken reports whether the token is locally indexed.
func (m *Manager) HasToken(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokenIndex[token]
	return ok
}

// TokenOwner returns the user id a token maps to.
func (m *Manager) TokenOwner(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.tokenIndex[token]
	return userID, ok
}

// OnDiskUserIDs lists tenants with a persisted config under the config
// root, cached or not, in sorted order. A missing root is an empty
// listing.
func (m *Manager) OnDiskUserIDs() ([]string, error) {
	usersDir := filepath.Join(m.opts.ConfigRoot, "users")
	entries, err := os.ReadDir(usersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", usersDir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(usersDir, entry.Name(), "config.json")); err != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe registers an event listener with the manager's broker.
func (m *Manager) Subscribe() Subscriber {
	return m.broker.Subscribe()
}

// Unsubscribe removes an event listener.
func (m *Manager) Unsubscribe(sub Subscriber) {
	m.broker.Unsubscribe(sub)
}

func (m *Manager) publish(evt Event) {
	m.broker.Publish(evt)
}
