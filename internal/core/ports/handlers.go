package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	CreateSession(c *gin.Context)
	GetSession(c *gin.Context)
	CloseSession(c *gin.Context)
	ListSessions(c *gin.Context)
	UpdateStreams(c *gin.Context)
	PinStream(c *gin.Context)
	UnpinStream(c *gin.Context)
	UnpinAll(c *gin.Context)
	SetFullscreen(c *gin.Context)
	SetMode(c *gin.Context)
	SetMaxPinned(c *gin.Context)
	GetSnapshot(c *gin.Context)
	GetLayout(c *gin.Context)
}
