package http

import (
	"context"
	"net/http"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/middleware"
	webrtcinfra "callgrid/internal/infrastructure/webrtc"
	"callgrid/pkg/errors"
	"callgrid/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
)

// PublisherIngest is implemented by *webrtc.Ingest.
type PublisherIngest interface {
	Accept(ctx context.Context, sessionID domain.SessionID, publisher webrtcinfra.Publisher, offer webrtc.SessionDescription) (string, *webrtc.SessionDescription, error)
	Disconnect(publisherID string)
	Publishers(sessionID domain.SessionID) []string
}

type IngestHandler struct {
	ingest PublisherIngest
	auth   services.AuthService
}

func NewIngestHandler(ingest PublisherIngest, auth services.AuthService) *IngestHandler {
	return &IngestHandler{
		ingest: ingest,
		auth:   auth,
	}
}

func (h *IngestHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/sessions/:id/publishers")

	var viewer, participant []gin.HandlerFunc
	if h.auth != nil {
		api.Use(middleware.AuthMiddleware(h.auth))
		viewer = []gin.HandlerFunc{middleware.SessionPermissionMiddleware(h.auth, domain.RoleViewer)}
		participant = []gin.HandlerFunc{middleware.SessionPermissionMiddleware(h.auth, domain.RoleParticipant)}
	}

	api.GET("", append(viewer, h.ListPublishers)...)
	api.POST("", append(participant, h.Publish)...)
	api.DELETE("/:publisher", append(participant, h.Unpublish)...)
}

type PublishRequest struct {
	Publisher webrtcinfra.Publisher     `json:"publisher"`
	Offer     webrtc.SessionDescription `json:"offer"`
}

// Publish answers a publisher's SDP offer. Its tracks show up as streams of
// the session once media flows.
func (h *IngestHandler) Publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.Offer.Type != webrtc.SDPTypeOffer || req.Offer.SDP == "" {
		c.Error(errors.NewInvalidInputError("offer must be an SDP offer"))
		return
	}
	if req.Publisher.DisplayName != "" {
		if err := validation.ValidateDisplayName(req.Publisher.DisplayName); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	for _, id := range req.Publisher.ScreenShareStreams {
		if err := validation.ValidateStreamID(id); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	if h.auth != nil {
		userID, err := h.auth.GetUserFromContext(c.Request.Context())
		if err != nil {
			c.Error(errors.NewUnauthorizedError("authentication required"))
			return
		}
		req.Publisher.UserID = userID
	}
	if req.Publisher.UserID == "" {
		c.Error(errors.NewInvalidInputError("publisher.user_id is required"))
		return
	}

	publisherID, answer, err := h.ingest.Accept(c.Request.Context(), domain.SessionID(c.Param("id")), req.Publisher, req.Offer)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"publisher_id": publisherID,
		"answer":       answer,
	})
}

func (h *IngestHandler) Unpublish(c *gin.Context) {
	publisherID := c.Param("publisher")
	for _, id := range h.ingest.Publishers(domain.SessionID(c.Param("id"))) {
		if id == publisherID {
			h.ingest.Disconnect(publisherID)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.Error(errors.NewNotFoundError("publisher"))
}

func (h *IngestHandler) ListPublishers(c *gin.Context) {
	ids := h.ingest.Publishers(domain.SessionID(c.Param("id")))
	c.JSON(http.StatusOK, gin.H{
		"publishers": ids,
		"count":      len(ids),
	})
}
