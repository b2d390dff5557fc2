package campaign

import (
	"net/http"

	"rewardplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc     *Service
	artwork *ArtworkStore
}

type HandlerParams struct {
	fx.In

	Service *Service
	Artwork *ArtworkStore `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, artwork: p.Artwork}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	{
		v1.POST("/campaigns", h.Create)
		v1.GET("/campaigns", h.List)
		v1.GET("/campaigns/:id", h.Get)
		v1.POST("/campaigns/:id/launch", h.Launch)
		v1.POST("/campaigns/:id/pause", h.Pause)
		v1.POST("/campaigns/:id/resume", h.Resume)
		v1.POST("/campaigns/:id/cancel", h.Cancel)
		v1.GET("/campaigns/:id/status", h.Status)
		v1.POST("/campaigns/:id/artwork", h.UploadArtwork)
		v1.POST("/estimate", h.Estimate)
	}
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	out, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handler) List(c *gin.Context) {
	if c.Query("view") == "dashboard" {
		rows, err := h.svc.Dashboard(c.Request.Context())
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"campaigns": rows})
		return
	}

	out, err := h.svc.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": out})
}

func (h *Handler) Get(c *gin.Context) {
	out, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Launch(c *gin.Context) {
	out, err := h.svc.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Pause(c *gin.Context) {
	out, err := h.svc.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Resume(c *gin.Context) {
	out, err := h.svc.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Cancel(c *gin.Context) {
	out, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Status(c *gin.Context) {
	out, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) UploadArtwork(c *gin.Context) {
	if h.artwork == nil {
		c.Error(errutil.UnprocessableEntity("artwork storage is not configured"))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.Error(errutil.BadRequest("missing artwork file", errutil.WithErr(err)))
		return
	}

	src, err := file.Open()
	if err != nil {
		c.Error(err)
		return
	}
	defer src.Close()

	url, err := h.svc.AttachArtwork(c.Request.Context(), h.artwork,
		c.Param("id"), file.Filename, file.Header.Get("Content-Type"), src, file.Size)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_url": url})
}

func (h *Handler) Estimate(c *gin.Context) {
	var raw struct {
		TotalRewards int64 `json:"total_rewards"`
		DurationDays int   `json:"duration_days"`
		MultiChain   bool  `json:"multi_chain"`
	}
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}
	if raw.TotalRewards < 0 || raw.DurationDays < 0 {
		c.Error(errutil.ValidationFailed("invalid estimate request",
			errutil.WithDetails(errutil.Detail{Field: "total_rewards", Message: "must not be negative"})))
		return
	}

	out := h.svc.Policy().Estimate(raw.TotalRewards, raw.DurationDays, raw.MultiChain)
	c.JSON(http.StatusOK, out)
}
