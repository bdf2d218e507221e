package loadbalancer

import (
	"context"
	"net/http"
	"strings"

	"callgrid/internal/core/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InstanceHeader names the instance hosting the requested session.
const InstanceHeader = "X-Callgrid-Instance"

// OwnerLookup is satisfied by the shared session registry.
type OwnerLookup interface {
	Owner(ctx context.Context, id domain.SessionID) (string, error)
}

// SessionAffinity sends clients of a session to the instance hosting it.
// Requests for a session hosted elsewhere are refused with 421 and a cookie
// naming the owner, which a cookie-aware load balancer uses on the retry.
type SessionAffinity struct {
	instanceID string
	owners     OwnerLookup
	cookie     *InstanceCookie
	logger     *zap.SugaredLogger
}

func NewSessionAffinity(instanceID string, owners OwnerLookup, cookie *InstanceCookie, logger *zap.SugaredLogger) *SessionAffinity {
	return &SessionAffinity{
		instanceID: instanceID,
		owners:     owners,
		cookie:     cookie,
		logger:     logger,
	}
}

// Resolve returns the owning instance and whether requests for the session
// can be served here. Unowned sessions and lookup failures count as local.
func (a *SessionAffinity) Resolve(ctx context.Context, id domain.SessionID) (string, bool) {
	owner, err := a.owners.Owner(ctx, id)
	if err != nil {
		a.logger.Debugw("owner lookup failed", "session_id", id, "error", err)
		return "", true
	}
	return owner, owner == "" || owner == a.instanceID
}

// Middleware applies to routes with an :id parameter and to the signal
// endpoint's session_id query. Stream list pushes pass through since they
// are forwarded to the owner.
func (a *SessionAffinity) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			id = c.Query("session_id")
		}
		if id == "" || (c.Request.Method == http.MethodPut && strings.HasSuffix(c.FullPath(), "/streams")) {
			c.Next()
			return
		}

		owner, local := a.Resolve(c.Request.Context(), domain.SessionID(id))
		if local {
			if owner != "" {
				if pinned, ok := a.cookie.Get(c.Request); !ok || pinned != a.instanceID {
					a.cookie.Set(c.Writer, a.instanceID)
				}
			}
			c.Next()
			return
		}

		a.cookie.Set(c.Writer, owner)
		c.Header(InstanceHeader, owner)
		c.AbortWithStatusJSON(http.StatusMisdirectedRequest, gin.H{
			"error":       "session is hosted by another instance",
			"session_id":  id,
			"instance_id": owner,
		})
	}
}
