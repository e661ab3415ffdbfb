package server

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/engine/configsync"
	"github.com/openclaw/gateway/engine/tenant"
	"github.com/openclaw/gateway/pkg/logger"
)

// tenantSummary is one row of the admin tenant listing. Status and
// activity are only known for cached tenants.
type tenantSummary struct {
	UserID          string        `json:"user_id"`
	Cached          bool          `json:"cached"`
	Status          tenant.Status `json:"status,omitempty"`
	PendingRequests int           `json:"pending_requests,omitempty"`
	LastActivityAt  *time.Time    `json:"last_activity_at,omitempty"`
}

func (s *Server) registerAdmin(r *gin.Engine) {
	api := r.Group("/api/v0", ServiceTokenAuth(s.opts.ServiceToken))
	api.GET("/tenants", s.handleListTenants)
	api.GET("/tenants/:id", s.handleShowTenant)
	api.DELETE("/tenants/:id", s.handleEvictTenant)
	api.GET("/stats", s.handleStats)
	api.POST("/sync", s.handleSyncNow)
}

// handleListTenants merges the on-disk tenant population with the
// in-memory cache so operators can see both who exists and who is hot.
func (s *Server) handleListTenants(c *gin.Context) {
	onDisk, err := s.opts.Manager.OnDiskUserIDs()
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("failed to list on-disk tenants", "error", err)
		respondProblem(c, http.StatusInternalServerError, "storage_error", "failed to enumerate tenants")
		return
	}

	cached := make(map[string]*tenant.Instance)
	for _, inst := range s.opts.Manager.CachedInstances() {
		cached[inst.UserID] = inst
	}

	seen := make(map[string]struct{}, len(onDisk)+len(cached))
	ids := make([]string, 0, len(onDisk)+len(cached))
	for _, id := range onDisk {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for id := range cached {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	summaries := make([]tenantSummary, 0, len(ids))
	for _, id := range ids {
		summary := tenantSummary{UserID: id}
		if inst, ok := cached[id]; ok {
			summary.Cached = true
			summary.Status = inst.Status
			summary.PendingRequests = inst.PendingRequests
			at := inst.LastActivityAt
			summary.LastActivityAt = &at
		}
		summaries = append(summaries, summary)
	}
	respondData(c, http.StatusOK, gin.H{"tenants": summaries, "total": len(summaries)})
}

func (s *Server) handleShowTenant(c *gin.Context) {
	inst, err := s.opts.Manager.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrInvalidUserID) {
			respondProblem(c, http.StatusBadRequest, "invalid_user_id", err.Error())
			return
		}
		logger.FromContext(c.Request.Context()).Error("failed to load tenant", "error", err)
		respondProblem(c, http.StatusInternalServerError, "storage_error", "failed to load tenant")
		return
	}
	if inst == nil {
		respondProblem(c, http.StatusNotFound, "tenant_not_found", "no such tenant")
		return
	}
	respondData(c, http.StatusOK, inst)
}

// handleEvictTenant removes a tenant from the cache. Tenants with
// requests in flight are refused unless override=true.
func (s *Server) handleEvictTenant(c *gin.Context) {
	id, err := tenant.SanitizeUserID(c.Param("id"))
	if err != nil {
		respondProblem(c, http.StatusBadRequest, "invalid_user_id", err.Error())
		return
	}
	override := c.Query("override") == "true"

	removed := s.opts.Manager.ForceEvict(c.Request.Context(), id, override)
	if !removed {
		if s.opts.Manager.PendingRequestsFor(id) > 0 {
			respondProblem(c, http.StatusConflict, "tenant_busy",
				"tenant has requests in flight; retry with override=true")
			return
		}
		respondProblem(c, http.StatusNotFound, "tenant_not_found", "no such tenant")
		return
	}
	respondData(c, http.StatusOK, gin.H{"user_id": id, "removed": true})
}

func (s *Server) handleStats(c *gin.Context) {
	payload := gin.H{"manager": s.opts.Manager.Stats()}
	if s.opts.Sync != nil {
		payload["sync"] = s.opts.Sync.Status()
	}
	if s.opts.Monitor != nil {
		if sample, ok := s.opts.Monitor.LastSample(); ok {
			payload["monitor"] = sample
		}
	}
	respondData(c, http.StatusOK, payload)
}

func (s *Server) handleSyncNow(c *gin.Context) {
	if s.opts.Sync == nil {
		respondProblem(c, http.StatusServiceUnavailable, "sync_disabled",
			"config synchronizer is not running")
		return
	}
	result := s.opts.Sync.SyncNow(c.Request.Context())
	switch {
	case result.Success:
		respondData(c, http.StatusOK, result)
	case result.Error == configsync.ErrSyncInProgress.Error():
		respondProblem(c, http.StatusConflict, "sync_in_progress", result.Error)
	default:
		respondProblem(c, http.StatusBadGateway, "sync_failed", result.Error)
	}
}
