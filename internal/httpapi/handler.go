package httpapi

import (
	"net/http"
	"time"

	"storefront-entitlements/pkg/db/pagination"
	"storefront-entitlements/pkg/errutil"
	"storefront-entitlements/pkg/health"
	"storefront-entitlements/pkg/middleware"
	"storefront-entitlements/services/entitlement"
	"storefront-entitlements/services/notification"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi", fx.Provide(NewRouter))

type HandlerParams struct {
	fx.In
	Entitlements  *entitlement.Service
	Notifications *notification.Service
	Health        health.HealthService
}

type handler struct {
	entitlements  *entitlement.Service
	notifications *notification.Service
}

func NewRouter(p HandlerParams) *gin.Engine {
	h := &handler{
		entitlements:  p.Entitlements,
		notifications: p.Notifications,
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	v1 := r.Group("/v1")
	v1.POST("/entitlements", h.createLease)
	v1.GET("/entitlements/:id", h.status)
	v1.POST("/entitlements/:id/access", h.access)
	v1.DELETE("/entitlements/:id", h.deleteLease)
	v1.GET("/users/:user_id/entitlements", h.listEntitlements)
	v1.GET("/users/:user_id/notifications", h.listNotifications)
	v1.POST("/notifications/:id/read", h.markRead)
	v1.POST("/notifications/:id/dismiss", h.dismiss)

	return r
}

type createLeaseRequest struct {
	OwnerID     string                   `json:"owner_id"`
	ArtifactRef string                   `json:"artifact_ref"`
	LeaseClass  string                   `json:"lease_class"`
	Meta        entitlement.ArtifactMeta `json:"artifact_meta"`
}

type entitlementResponse struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ArtifactRef    string     `json:"artifact_ref"`
	LeaseClass     string     `json:"lease_class"`
	ExpiresAt      time.Time  `json:"expires_at"`
	HoursLeft      float64    `json:"hours_left"`
	AccessCount    int        `json:"access_count"`
	MaxAccesses    int        `json:"max_accesses"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	IsExpired      bool       `json:"is_expired"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toEntitlementResponse(e *entitlement.Entitlement) entitlementResponse {
	return entitlementResponse{
		ID:             e.ID,
		OwnerID:        e.OwnerID,
		ArtifactRef:    e.ArtifactRef,
		LeaseClass:     string(e.LeaseClass),
		ExpiresAt:      e.ExpiresAt,
		HoursLeft:      e.HoursLeft(time.Now()),
		AccessCount:    e.AccessCount,
		MaxAccesses:    e.MaxAccesses,
		LastAccessedAt: e.LastAccessedAt,
		IsExpired:      e.IsExpired,
		CreatedAt:      e.CreatedAt,
	}
}

func (h *handler) createLease(c *gin.Context) {
	var req createLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	ent, err := h.entitlements.CreateLease(c.Request.Context(),
		req.OwnerID, req.ArtifactRef, entitlement.LeaseClass(req.LeaseClass), req.Meta)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, toEntitlementResponse(ent))
}

func (h *handler) status(c *gin.Context) {
	ent, err := h.entitlements.Status(c.Request.Context(), c.Param("id"), c.Query("requester_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, toEntitlementResponse(ent))
}

type accessRequest struct {
	RequesterID string `json:"requester_id"`
}

type accessResponse struct {
	ArtifactURL       string `json:"artifact_url"`
	RemainingAccesses int    `json:"remaining_accesses"`
}

func (h *handler) access(c *gin.Context) {
	var req accessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	grant, err := h.entitlements.Access(c.Request.Context(), c.Param("id"), req.RequesterID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, accessResponse{
		ArtifactURL:       grant.ArtifactURL,
		RemainingAccesses: grant.Remaining,
	})
}

func (h *handler) deleteLease(c *gin.Context) {
	if err := h.entitlements.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handler) listEntitlements(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	ents, pageInfo, err := h.entitlements.ListByOwner(c.Request.Context(), c.Param("user_id"), p)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]entitlementResponse, 0, len(ents))
	for _, e := range ents {
		out = append(out, toEntitlementResponse(e))
	}

	c.JSON(http.StatusOK, gin.H{"entitlements": out, "page_info": pageInfo})
}

func (h *handler) listNotifications(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", errutil.WithErr(err)))
		return
	}

	items, pageInfo, err := h.notifications.ListByUser(c.Request.Context(), c.Param("user_id"), p)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": items, "page_info": pageInfo})
}

func (h *handler) markRead(c *gin.Context) {
	if err := h.notifications.MarkRead(c.Request.Context(), c.Param("id"), c.Query("user_id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handler) dismiss(c *gin.Context) {
	if err := h.notifications.Dismiss(c.Request.Context(), c.Param("id"), c.Query("user_id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
