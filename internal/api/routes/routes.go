package routes

import (
	"net/http"

	"github.com/deepgram/stagehand/internal/api/handlers/guilds"
	"github.com/deepgram/stagehand/internal/api/handlers/oauth"
	"github.com/deepgram/stagehand/internal/api/handlers/player"
	mware "github.com/deepgram/stagehand/internal/api/middleware"
	"github.com/deepgram/stagehand/internal/services"
	"github.com/deepgram/stagehand/pkg/httpext"
	"github.com/gorilla/mux"
)

// NewRouter wires every endpoint onto a fresh router
func NewRouter(services *services.Services) *mux.Router {
	router := mux.NewRouter()
	router.Use(mware.RequestLogger)
	RegisterRoutes(router, services)
	return router
}

func RegisterRoutes(router *mux.Router, services *services.Services) {
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpext.JsonResponse(w, http.StatusOK, services.Health(r.Context()))
	}).Methods("GET")

	cfg := services.GetConfig()
	oauthHandler := oauth.NewHandler(
		services.GetDiscordService(),
		services.GetStateService(),
		services.GetTokenRefresher(),
		services.GetSessionService(),
		services.GetGuildCache(),
		cfg.SecureCookies(),
	)

	// Auth routes (no auth required)
	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.Use(mware.RateLimit("auth"))
	authRouter.HandleFunc("/login", oauthHandler.HandleLogin).Methods("GET")
	authRouter.HandleFunc("/callback", oauthHandler.HandleCallback).Methods("GET")
	authRouter.HandleFunc("/refresh", oauthHandler.HandleRefresh).Methods("POST")
	authRouter.HandleFunc("/logout", oauthHandler.HandleLogout).Methods("POST")

	// Protected API routes
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(mware.RateLimit("api"))
	profiles := mware.NewProfileCache(services.GetDiscordService(), mware.DefaultProfileTTL)
	apiRouter.Use(mware.Authenticate(services.GetTokenRefresher(), profiles, mware.API))

	apiRouter.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		guilds.HandleMe(services.GetGuildCache(), w, r)
	}).Methods("GET")
	apiRouter.HandleFunc("/guilds", func(w http.ResponseWriter, r *http.Request) {
		guilds.HandleMutualGuilds(services.GetGuildCache(), w, r)
	}).Methods("GET")
	apiRouter.HandleFunc("/guilds/{guildId:[0-9]+}/player", func(w http.ResponseWriter, r *http.Request) {
		player.HandleStatus(services.GetBackendService(), w, r)
	}).Methods("GET")
	apiRouter.HandleFunc("/guilds/{guildId:[0-9]+}/player/events", func(w http.ResponseWriter, r *http.Request) {
		player.HandleEvents(services.GetBridgeService(), w, r)
	}).Methods("GET")
}
