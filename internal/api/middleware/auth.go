package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/infrastructure/discord"
	"github.com/deepgram/stagehand/internal/services/session"
	"github.com/deepgram/stagehand/pkg/httpext"
	"github.com/deepgram/stagehand/pkg/logger"
)

// Mode selects how an unauthenticated request is answered
type Mode int

const (
	// API answers 401 JSON
	API Mode = iota
	// Page redirects to the login flow preserving the requested path
	Page
)

const LoginPath = "/auth/login"

type TokenResolver interface {
	Resolve(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, *session.Record, error)
}

type UserSource interface {
	CurrentUser(ctx context.Context, accessToken string) (*auth.User, error)
}

// Authenticate resolves a valid access token and the user behind it and
// stores an auth.Identity in the request context
func Authenticate(resolver TokenResolver, users UserSource, mode Mode) func(http.Handler) http.Handler {
	log := logger.With(logger.MIDDLEWARE)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, record, err := resolver.Resolve(r.Context(), w, r)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request not authenticated")
				unauthenticated(w, r, mode)
				return
			}

			identity := &auth.Identity{AccessToken: token}
			if record != nil && record.User != nil && record.Tokens.AccessToken == token {
				identity.User = record.User
				identity.SessionID = record.SessionID
			} else {
				user, err := users.CurrentUser(r.Context(), token)
				if err != nil {
					if errors.Is(err, discord.ErrTokenRejected) {
						log.Debug().Err(err).Str("path", r.URL.Path).Msg("Access token rejected by identity provider")
						unauthenticated(w, r, mode)
						return
					}
					log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to load user profile")
					httpext.JsonError(w, "Identity provider unavailable", http.StatusBadGateway)
					return
				}
				identity.User = user
				if record != nil {
					identity.SessionID = record.SessionID
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

func unauthenticated(w http.ResponseWriter, r *http.Request, mode Mode) {
	if mode == Page {
		http.Redirect(w, r, LoginRedirect(r.URL.RequestURI()), http.StatusFound)
		return
	}
	httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
}

// LoginRedirect builds the login URL that returns to path afterwards
func LoginRedirect(path string) string {
	return LoginPath + "?redirect=" + url.QueryEscape(path)
}
