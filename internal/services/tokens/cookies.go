package tokens

import (
	"net/http"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
)

const (
	AccessTokenCookie  = "discord_access_token"
	RefreshTokenCookie = "discord_refresh_token"

	RefreshCookieLifetime = 30 * 24 * time.Hour
	// Used when the provider omits expires_in
	defaultAccessLifetime = 7 * 24 * time.Hour
)

// CookieStore persists a TokenPair as two independent httpOnly cookies.
// The access cookie expires with the access token, so its presence means it
// is still valid.
type CookieStore struct {
	secure bool
	now    func() time.Time
}

func NewCookieStore(secure bool) *CookieStore {
	return &CookieStore{secure: secure, now: time.Now}
}

func (c *CookieStore) Read(r *http.Request) auth.TokenPair {
	var pair auth.TokenPair
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		pair.AccessToken = cookie.Value
	}
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil {
		pair.RefreshToken = cookie.Value
	}
	return pair
}

func (c *CookieStore) Write(w http.ResponseWriter, pair auth.TokenPair) {
	now := c.now()
	expiry := pair.AccessExpiry
	if expiry.IsZero() {
		expiry = now.Add(defaultAccessLifetime)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    pair.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  expiry,
		MaxAge:   int(expiry.Sub(now).Seconds()),
	})

	if pair.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     RefreshTokenCookie,
			Value:    pair.RefreshToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteStrictMode,
			Expires:  now.Add(RefreshCookieLifetime),
			MaxAge:   int(RefreshCookieLifetime.Seconds()),
		})
	}
}

func (c *CookieStore) Clear(w http.ResponseWriter) {
	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
		})
	}
}
