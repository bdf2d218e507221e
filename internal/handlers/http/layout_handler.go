package http

import (
	"net/http"
	"strconv"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/middleware"
	"callgrid/pkg/errors"
	"callgrid/pkg/validation"

	"github.com/gin-gonic/gin"
)

type LayoutHandler struct {
	sessions ports.SessionService
	auth     services.AuthService
}

var _ ports.HTTPHandler = (*LayoutHandler)(nil)

// NewLayoutHandler serves the session API. A nil auth service leaves the
// routes open and takes the session owner from the request body.
func NewLayoutHandler(sessions ports.SessionService, auth services.AuthService) *LayoutHandler {
	return &LayoutHandler{
		sessions: sessions,
		auth:     auth,
	}
}

func (h *LayoutHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	require := func(role domain.UserRole) []gin.HandlerFunc {
		if h.auth == nil {
			return nil
		}
		return []gin.HandlerFunc{middleware.SessionPermissionMiddleware(h.auth, role)}
	}
	route := func(handlers []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(handlers, handler)
	}

	if h.auth != nil {
		api.Use(middleware.AuthMiddleware(h.auth))
	}

	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)

	viewer := require(domain.RoleViewer)
	participant := require(domain.RoleParticipant)
	owner := require(domain.RoleOwner)

	api.GET("/sessions/:id", route(viewer, h.GetSession)...)
	api.GET("/sessions/:id/snapshot", route(viewer, h.GetSnapshot)...)
	api.GET("/sessions/:id/layout", route(viewer, h.GetLayout)...)

	api.PUT("/sessions/:id/streams", route(participant, h.UpdateStreams)...)
	api.POST("/sessions/:id/pins", route(participant, h.PinStream)...)
	api.DELETE("/sessions/:id/pins", route(participant, h.UnpinAll)...)
	api.DELETE("/sessions/:id/pins/:stream", route(participant, h.UnpinStream)...)
	api.PUT("/sessions/:id/fullscreen", route(participant, h.SetFullscreen)...)
	api.PUT("/sessions/:id/mode", route(participant, h.SetMode)...)

	api.PUT("/sessions/:id/max-pinned", route(owner, h.SetMaxPinned)...)
	api.DELETE("/sessions/:id", route(owner, h.CloseSession)...)
}

type CreateSessionRequest struct {
	ID          string                   `json:"id"`
	Owner       string                   `json:"owner"`
	Mode        string                   `json:"mode"`
	MaxPinned   int                      `json:"max_pinned"`
	Constraints domain.LayoutConstraints `json:"constraints"`
}

type UpdateStreamsRequest struct {
	Streams          []domain.Stream `json:"streams"`
	ParticipantCount int             `json:"participant_count"`
	CallState        string          `json:"call_state" binding:"required"`
}

type PinRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
	Prepend  bool   `json:"prepend"`
	Force    bool   `json:"force"`
}

type FullscreenRequest struct {
	StreamID string `json:"stream_id"`
}

type ModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type MaxPinnedRequest struct {
	MaxPinned int `json:"max_pinned" binding:"required"`
}

func (h *LayoutHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	opts := domain.SessionOptions{
		ID:          domain.SessionID(req.ID),
		Owner:       domain.UserID(req.Owner),
		MaxPinned:   req.MaxPinned,
		Constraints: req.Constraints,
	}
	if req.ID != "" {
		if err := validation.ValidateSessionID(req.ID); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.Mode != "" {
		mode, err := domain.ParseLayoutMode(req.Mode)
		if err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		opts.Mode = mode
	}
	if req.MaxPinned != 0 {
		if err := validation.ValidateMaxPinned(req.MaxPinned); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	for field, v := range map[string]int{
		"max_mosaic_streams":    req.Constraints.MaxMosaicStreams,
		"max_thumbnail_streams": req.Constraints.MaxThumbnailStreams,
		"thumbnail_size":        req.Constraints.ThumbnailSize,
	} {
		if err := validation.ValidateCapacity(v, field); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	// the authenticated caller always owns what they create
	if h.auth != nil {
		userID, err := h.auth.GetUserFromContext(c.Request.Context())
		if err != nil {
			c.Error(errors.NewUnauthorizedError("authentication required"))
			return
		}
		opts.Owner = userID
	}

	info, err := h.sessions.Create(c.Request.Context(), opts)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": info})
}

func (h *LayoutHandler) GetSession(c *gin.Context) {
	info, err := h.sessions.Get(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": info})
}

func (h *LayoutHandler) CloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Request.Context(), domain.SessionID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LayoutHandler) ListSessions(c *gin.Context) {
	infos, err := h.sessions.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (h *LayoutHandler) UpdateStreams(c *gin.Context) {
	var req UpdateStreamsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	state, err := domain.ParseCallState(req.CallState)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateStreamCount(len(req.Streams)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	for _, s := range req.Streams {
		if err := validation.ValidateStreamID(string(s.ID)); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()).WithContext("stream_id", s.ID))
			return
		}
		if err := validation.ValidateDisplayName(s.DisplayName); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()).WithContext("stream_id", s.ID))
			return
		}
	}
	if req.ParticipantCount < 0 {
		c.Error(errors.NewInvalidInputError("participant_count must be >= 0"))
		return
	}

	update := domain.StreamUpdate{
		Streams:          req.Streams,
		ParticipantCount: req.ParticipantCount,
		CallState:        state,
	}
	if err := h.sessions.UpdateStreams(c.Request.Context(), domain.SessionID(c.Param("id")), update); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *LayoutHandler) PinStream(c *gin.Context) {
	var req PinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateStreamID(req.StreamID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	err := h.sessions.Pin(c.Request.Context(), domain.SessionID(c.Param("id")), domain.StreamID(req.StreamID), domain.PinOptions{
		Prepend: req.Prepend,
		Force:   req.Force,
	})
	if err == domain.ErrPinRejected {
		c.Error(errors.NewPinRejectedError(req.StreamID))
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	h.respondSnapshot(c)
}

func (h *LayoutHandler) UnpinStream(c *gin.Context) {
	if err := h.sessions.Unpin(c.Request.Context(), domain.SessionID(c.Param("id")), domain.StreamID(c.Param("stream"))); err != nil {
		c.Error(err)
		return
	}
	h.respondSnapshot(c)
}

func (h *LayoutHandler) UnpinAll(c *gin.Context) {
	if err := h.sessions.UnpinAll(c.Request.Context(), domain.SessionID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	h.respondSnapshot(c)
}

func (h *LayoutHandler) SetFullscreen(c *gin.Context) {
	var req FullscreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.StreamID != "" {
		if err := validation.ValidateStreamID(req.StreamID); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	if err := h.sessions.SetFullscreen(c.Request.Context(), domain.SessionID(c.Param("id")), domain.StreamID(req.StreamID)); err != nil {
		c.Error(err)
		return
	}
	h.respondSnapshot(c)
}

func (h *LayoutHandler) SetMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	mode, err := domain.ParseLayoutMode(req.Mode)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.sessions.SetMode(c.Request.Context(), domain.SessionID(c.Param("id")), mode); err != nil {
		c.Error(err)
		return
	}
	h.GetSession(c)
}

func (h *LayoutHandler) SetMaxPinned(c *gin.Context) {
	var req MaxPinnedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateMaxPinned(req.MaxPinned); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.sessions.SetMaxPinned(c.Request.Context(), domain.SessionID(c.Param("id")), req.MaxPinned); err != nil {
		c.Error(err)
		return
	}
	h.respondSnapshot(c)
}

func (h *LayoutHandler) GetSnapshot(c *gin.Context) {
	h.respondSnapshot(c)
}

// GetLayout computes the layout for the viewport given by the width and
// height query parameters.
func (h *LayoutHandler) GetLayout(c *gin.Context) {
	width, errW := strconv.Atoi(c.DefaultQuery("width", "0"))
	height, errH := strconv.Atoi(c.DefaultQuery("height", "0"))
	if errW != nil || errH != nil {
		c.Error(errors.NewInvalidInputError("width and height must be integers"))
		return
	}
	if err := validation.ValidateViewport(width, height); err != nil {
		c.Error(errors.NewInvalidViewportError(width, height))
		return
	}

	layout, err := h.sessions.Layout(c.Request.Context(), domain.SessionID(c.Param("id")), domain.Size{Width: width, Height: height})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"layout": layout})
}

func (h *LayoutHandler) respondSnapshot(c *gin.Context) {
	snapshot, err := h.sessions.Snapshot(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
}
