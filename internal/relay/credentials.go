package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const authCookieName = "authToken"

// cookieCredentials is a request-scoped credential store backed by the
// client's auth cookie. Clearing it expires the cookie on the response,
// so a rejected token never outlives the request that exposed it.
type cookieCredentials struct {
	c       *gin.Context
	cleared bool
}

func newCookieCredentials(c *gin.Context) *cookieCredentials {
	return &cookieCredentials{c: c}
}

func (cc *cookieCredentials) Token() string {
	if cc.cleared {
		return ""
	}
	token, err := cc.c.Cookie(authCookieName)
	if err != nil {
		return ""
	}
	return token
}

func (cc *cookieCredentials) Clear() {
	if cc.cleared {
		return
	}
	cc.cleared = true
	clearAuthCookie(cc.c)
}

func setAuthCookie(c *gin.Context, token string, maxAge int, secure bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(authCookieName, token, maxAge, "/", "", secure, true)
}

func clearAuthCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(authCookieName, "", -1, "/", "", false, true)
}
