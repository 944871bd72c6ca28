package authcore

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/progrc/authcore/role"
)

func TestSessionCookies(t *testing.T) {
	engine, env := newTestEngine(t)
	seedUser(t, engine, env, UserRecord{
		Email:      "carol@example.com",
		RoleID:     role.OrgMember,
		CustomerID: "cust-1",
	}, "correct horse battery")

	res, err := engine.Login(context.Background(), "carol@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	cookies := engine.SessionCookies(res.Session)
	if len(cookies) != 2 {
		t.Fatalf("got %d cookies, want 2", len(cookies))
	}
	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}
	access, refresh := byName[CookieAccessToken], byName[CookieRefreshToken]
	if access == nil || refresh == nil {
		t.Fatalf("cookie names = %v", byName)
	}
	if access.Value != res.Session.AccessToken || refresh.Value != res.Session.RefreshToken {
		t.Fatal("cookie values must carry the session tokens")
	}
	for _, c := range cookies {
		if !c.HttpOnly || c.Path != "/" {
			t.Fatalf("cookie %s = %+v, want httpOnly on path /", c.Name, c)
		}
		// Development posture: plain HTTP works.
		if c.Secure || c.SameSite != http.SameSiteLaxMode {
			t.Fatalf("cookie %s = %+v, want Lax without Secure outside production", c.Name, c)
		}
	}
}

func TestSessionCookiesProductionHardening(t *testing.T) {
	engine, env := newTestEngine(t, func(cfg *Config, _ *testEnv) {
		cfg.Security.ProductionMode = true
		cfg.Cookie.Domain = "app.example.com"
	})
	seedUser(t, engine, env, UserRecord{
		Email:      "carol@example.com",
		RoleID:     role.OrgMember,
		CustomerID: "cust-1",
	}, "correct horse battery")

	res, err := engine.Login(context.Background(), "carol@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	for _, c := range engine.SessionCookies(res.Session) {
		if !c.Secure || c.SameSite != http.SameSiteStrictMode {
			t.Fatalf("cookie %s = %+v, want Secure + Strict in production", c.Name, c)
		}
		if c.Domain != "app.example.com" {
			t.Fatalf("cookie %s domain = %q", c.Name, c.Domain)
		}
	}
}

func TestPreAuthCookie(t *testing.T) {
	engine, _ := newTestEngine(t)

	c := engine.PreAuthCookie("token-value")
	if c.Name != CookiePreAuthToken || c.Value != "token-value" {
		t.Fatalf("cookie = %+v", c)
	}
	if remaining := time.Until(c.Expires); remaining < 25*time.Minute || remaining > 30*time.Minute {
		t.Fatalf("pre-auth cookie expires in %v, want about the pre-auth TTL", remaining)
	}
}

func TestClearSessionCookies(t *testing.T) {
	engine, _ := newTestEngine(t)

	cookies := engine.ClearSessionCookies()
	if len(cookies) != 3 {
		t.Fatalf("got %d cookies, want 3", len(cookies))
	}
	for _, c := range cookies {
		if c.Value != "" {
			t.Fatalf("cookie %s still carries a value", c.Name)
		}
		if !c.Expires.Before(time.Now()) {
			t.Fatalf("cookie %s expires at %v, want the past", c.Name, c.Expires)
		}
	}
}
