package player

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/deepgram/stagehand/internal/auth"
	"github.com/deepgram/stagehand/internal/services/bridge"
	"github.com/deepgram/stagehand/pkg/httpext"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type StatusSource interface {
	PlayerStatus(ctx context.Context, guildID, userID auth.Snowflake) (json.RawMessage, error)
}

type EventStreamer interface {
	Stream(ctx context.Context, w http.ResponseWriter, guildID, userID auth.Snowflake) error
}

func requestScope(w http.ResponseWriter, r *http.Request) (auth.Snowflake, *auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.User == nil {
		httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
		return 0, nil, false
	}

	guildID, err := auth.ParseSnowflake(mux.Vars(r)["guildId"])
	if err != nil {
		httpext.JsonError(w, "Invalid guild id", http.StatusBadRequest)
		return 0, nil, false
	}

	return guildID, identity, true
}

// HandleStatus returns the current player snapshot, the polling transport
func HandleStatus(source StatusSource, w http.ResponseWriter, r *http.Request) {
	guildID, identity, ok := requestScope(w, r)
	if !ok {
		return
	}

	status, err := source.PlayerStatus(r.Context(), guildID, identity.User.ID)
	if err != nil {
		log.Warn().Err(err).Str("guild_id", guildID.String()).Msg("Failed to fetch player status")
		httpext.JsonError(w, "Player status unavailable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	httpext.JsonResponse(w, http.StatusOK, status)
}

// HandleEvents streams player events as Server-Sent-Events, the push transport
func HandleEvents(streamer EventStreamer, w http.ResponseWriter, r *http.Request) {
	guildID, identity, ok := requestScope(w, r)
	if !ok {
		return
	}

	if err := streamer.Stream(r.Context(), w, guildID, identity.User.ID); err != nil {
		if errors.Is(err, bridge.ErrStreamingUnsupported) {
			httpext.JsonError(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		log.Warn().Err(err).Str("guild_id", guildID.String()).Msg("Player event stream ended with error")
	}
}
