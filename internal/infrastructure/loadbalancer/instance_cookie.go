package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// InstanceCookie carries the instance a client should be routed to, signed
// so a client cannot pick an arbitrary backend.
type InstanceCookie struct {
	secretKey []byte
	name      string
	maxAge    time.Duration
}

func NewInstanceCookie(secretKey, name string, maxAge time.Duration) *InstanceCookie {
	return &InstanceCookie{
		secretKey: []byte(secretKey),
		name:      name,
		maxAge:    maxAge,
	}
}

func (c *InstanceCookie) Name() string {
	return c.name
}

func (c *InstanceCookie) Set(w http.ResponseWriter, instanceID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    c.sign(instanceID),
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Get returns the instance named by a validly signed cookie.
func (c *InstanceCookie) Get(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	instanceID, _, ok := strings.Cut(cookie.Value, ".")
	if !ok || instanceID == "" {
		return "", false
	}
	if !hmac.Equal([]byte(cookie.Value), []byte(c.sign(instanceID))) {
		return "", false
	}
	return instanceID, true
}

func (c *InstanceCookie) sign(instanceID string) string {
	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write([]byte(instanceID))
	return instanceID + "." + hex.EncodeToString(mac.Sum(nil))
}
