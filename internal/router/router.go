package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"casesync/internal/handlers"
	"casesync/internal/middleware"
	"casesync/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	sessionHandler *handlers.SessionHandler,
	syncHandler *handlers.SyncHandler,
	refreshLimiter *middleware.RateLimiter,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", sessionHandler.Start)
			r.Get("/", sessionHandler.List)
			r.Get("/{id}", sessionHandler.Get)
			r.Delete("/{id}", sessionHandler.Delete)
			r.Post("/{id}/messages", sessionHandler.AppendMessage)
			r.Post("/{id}/actions", sessionHandler.RecordAction)
			r.Put("/{id}/notes", sessionHandler.UpdateNotes)
			r.Put("/{id}/differential", sessionHandler.UpdateDifferential)
			r.Put("/{id}/evaluation-status", sessionHandler.SetEvaluationStatus)
			r.Post("/{id}/complete", sessionHandler.Complete)
		})

		// ──── Sync Routes ────
		r.Route("/sync", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/background", syncHandler.Background)
			r.Post("/foreground", syncHandler.Foreground)

			r.Group(func(r chi.Router) {
				r.Use(refreshLimiter.Middleware)
				r.Post("/refresh", syncHandler.Refresh)
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
