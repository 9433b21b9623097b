package guilds

import (
	"context"
	"net/http"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/pkg/httpext"
)

type MembershipCache interface {
	GetMutualGuilds(ctx context.Context, w http.ResponseWriter, r *http.Request, user *auth.User) []auth.Guild
}

type meResponse struct {
	User   *auth.User   `json:"user"`
	Guilds []auth.Guild `json:"guilds"`
}

// HandleMe returns the authenticated user with their mutual guilds
func HandleMe(cache MembershipCache, w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	httpext.JsonResponse(w, http.StatusOK, meResponse{
		User:   identity.User,
		Guilds: cache.GetMutualGuilds(r.Context(), w, r, identity.User),
	})
}

// HandleMutualGuilds returns only the mutual guild list
func HandleMutualGuilds(cache MembershipCache, w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	httpext.JsonResponse(w, http.StatusOK, cache.GetMutualGuilds(r.Context(), w, r, identity.User))
}
