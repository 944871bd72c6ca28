package authcore

import (
	"net/http"
	"time"
)

// Cookie names set by the session-issuing flow.
const (
	CookieAccessToken  = "accessToken"
	CookieRefreshToken = "refreshToken"
	CookiePreAuthToken = "preAuthToken"
)

// SessionCookies renders a session as the access and refresh cookies.
// Cookies are httpOnly on path "/"; outside production they relax to
// SameSite=Lax without Secure so local development over plain HTTP works.
func (e *Engine) SessionCookies(session *Session) []*http.Cookie {
	if e == nil || session == nil {
		return nil
	}
	return []*http.Cookie{
		e.cookie(CookieAccessToken, session.AccessToken, session.AccessExpiresAt),
		e.cookie(CookieRefreshToken, session.RefreshToken, session.RefreshExpiresAt),
	}
}

// PreAuthCookie renders a pre-auth token as its cookie.
func (e *Engine) PreAuthCookie(token string) *http.Cookie {
	if e == nil {
		return nil
	}
	return e.cookie(CookiePreAuthToken, token, time.Now().Add(e.config.JWT.PreAuthTTL))
}

// ClearSessionCookies renders expired cookies that remove a session from the
// browser on logout.
func (e *Engine) ClearSessionCookies() []*http.Cookie {
	if e == nil {
		return nil
	}
	expired := time.Unix(0, 0)
	return []*http.Cookie{
		e.cookie(CookieAccessToken, "", expired),
		e.cookie(CookieRefreshToken, "", expired),
		e.cookie(CookiePreAuthToken, "", expired),
	}
}

func (e *Engine) cookie(name, value string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   e.config.Cookie.Domain,
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if e.config.Security.ProductionMode {
		c.Secure = true
		c.SameSite = http.SameSiteStrictMode
	}
	return c
}
