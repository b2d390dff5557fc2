package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.GET("/campaigns/:id/grants", h.ListGrants)
		v1.GET("/grants/:id", h.GetGrant)
		v1.GET("/grants/:id/attempts", h.ListAttempts)
		v1.GET("/campaigns/:id/ledger/verify", h.VerifyChain)
	}
}

func (h *Handler) VerifyChain(c *gin.Context) {
	valid, brokenAt, err := h.svc.VerifyChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid, "broken_at": brokenAt})
}

func (h *Handler) ListGrants(c *gin.Context) {
	grants, err := h.svc.GrantsByCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	remaining, err := h.svc.BudgetRemaining(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"grants":           grants,
		"budget_remaining": remaining,
	})
}

func (h *Handler) GetGrant(c *gin.Context) {
	grant, err := h.svc.Grant(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *Handler) ListAttempts(c *gin.Context) {
	attempts, err := h.svc.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}
