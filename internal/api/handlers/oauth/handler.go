package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/infrastructure/discord"
	"github.com/deepgram/stagehand/internal/services/guildcache"
	"github.com/deepgram/stagehand/internal/services/oauthstate"
	"github.com/deepgram/stagehand/internal/services/session"
	"github.com/deepgram/stagehand/internal/services/tokens"
	"github.com/deepgram/stagehand/pkg/httpext"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	ProcessedCodeCookie   = "processed_oauth_code"
	processedCodeLifetime = 60 * time.Second
	// StateCookie binds a pending login to the browser that started it
	StateCookie     = "oauth_state"
	stateCookiePath = "/auth"
	defaultRedirect = "/"
)

type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	CurrentUser(ctx context.Context, accessToken string) (*auth.User, error)
}

// Handler serves the /auth endpoints
type Handler struct {
	provider   Provider
	states     *oauthstate.Service
	refresher  *tokens.Refresher
	sessions   *session.Service
	guildCache *guildcache.Cache
	secure     bool
}

func NewHandler(provider Provider, states *oauthstate.Service, refresher *tokens.Refresher, sessions *session.Service, guildCache *guildcache.Cache, secure bool) *Handler {
	return &Handler{
		provider:   provider,
		states:     states,
		refresher:  refresher,
		sessions:   sessions,
		guildCache: guildCache,
		secure:     secure,
	}
}

// HandleLogin starts the authorization code flow
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	redirect := SafeRedirect(r.URL.Query().Get("redirect"))

	state, err := h.states.Issue(r.Context(), redirect)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue OAuth state")
		httpext.JsonError(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	h.setStateCookie(w, state, int(oauthstate.StateLifetime.Seconds()))
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    value,
		Path:     stateCookiePath,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

// stateMatchesBrowser reports whether the query state is the one this
// browser was given at login
func stateMatchesBrowser(r *http.Request, state string) bool {
	cookie, err := r.Cookie(StateCookie)
	if err != nil || cookie.Value == "" || state == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
}

// HandleCallback completes the authorization code flow
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		log.Info().Str("error", providerErr).Msg("Authorization declined at identity provider")
		httpext.JsonErrorWithDetails(w, http.StatusBadRequest, httpext.ErrorResponse{
			Error:            providerErr,
			ErrorDescription: query.Get("error_description"),
		})
		return
	}

	code := query.Get("code")
	if code == "" {
		httpext.JsonError(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	// Browsers may replay the callback on back/refresh
	if cookie, err := r.Cookie(ProcessedCodeCookie); err == nil && cookie.Value == code {
		log.Debug().Msg("Authorization code already processed")
		http.Redirect(w, r, defaultRedirect, http.StatusFound)
		return
	}

	state := query.Get("state")
	if !stateMatchesBrowser(r, state) {
		log.Warn().Msg("OAuth state does not belong to this browser")
		h.setStateCookie(w, "", -1)
		httpext.JsonError(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}
	h.setStateCookie(w, "", -1)

	info, err := h.states.Consume(r.Context(), state)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read OAuth state")
		httpext.JsonError(w, "Failed to validate state", http.StatusInternalServerError)
		return
	}
	if info == nil {
		httpext.JsonError(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     ProcessedCodeCookie,
		Value:    code,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		MaxAge:   int(processedCodeLifetime.Seconds()),
	})

	token, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("Authorization code exchange failed")
		if errors.Is(err, discord.ErrTokenRejected) {
			httpext.JsonError(w, "Authorization code rejected", http.StatusUnauthorized)
			return
		}
		httpext.JsonError(w, "Identity provider unavailable", http.StatusBadGateway)
		return
	}

	user, err := h.provider.CurrentUser(r.Context(), token.AccessToken)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load user after login")
		httpext.JsonError(w, "Identity provider unavailable", http.StatusBadGateway)
		return
	}

	pair := tokens.PairFromOAuth(token)
	h.refresher.Cookies().Write(w, pair)

	if h.sessions != nil && h.sessions.Enabled() {
		if _, err := h.sessions.Create(r.Context(), w, user, pair); err != nil {
			// Cookies alone still authenticate the browser
			log.Error().Err(err).Msg("Failed to create session record")
		}
	}

	log.Info().Str("user_id", user.ID.String()).Msg("User logged in")
	http.Redirect(w, r, SafeRedirect(info.Redirect), http.StatusFound)
}

type refreshResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleRefresh exchanges the refresh token on explicit request
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	pair, err := h.refresher.ForceRefresh(r.Context(), w, r)
	if err != nil {
		httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	httpext.JsonResponse(w, http.StatusOK, refreshResponse{ExpiresAt: pair.AccessExpiry})
}

// HandleLogout forgets the browser's credentials locally
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.refresher.Cookies().Clear(w)
	h.guildCache.Invalidate(w)
	if h.sessions != nil {
		h.sessions.Destroy(r.Context(), w, r)
	}

	w.WriteHeader(http.StatusNoContent)
}

// SafeRedirect keeps only same-site relative paths
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return defaultRedirect
	}
	if strings.ContainsAny(target, "\r\n") {
		return defaultRedirect
	}
	return target
}
