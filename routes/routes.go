package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware" // Alias to avoid conflict
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tournabot/engine/handlers"
	"github.com/tournabot/engine/middleware"
)

type Handlers struct {
	Tournaments *handlers.TournamentHandler
	Matches     *handlers.MatchHandler
	Wizard      *handlers.WizardHandler
	WebSocket   *handlers.WebSocketHandler
}

func InitRoutes(h Handlers, auth *middleware.Authenticator, registry *prometheus.Registry) *chi.Mux {
	router := chi.NewRouter()

	router.Use(chiMiddleware.Logger)
	router.Use(chiMiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router.Get("/ws", h.WebSocket.SubscribeHandler)

	router.Route("/guilds/{guildID}", func(r chi.Router) {
		r.Route("/tournaments", func(r chi.Router) {
			// Публичные маршруты для просмотра турниров
			r.Get("/", h.Tournaments.ListHandler)
			r.Get("/{tournamentID}", h.Tournaments.GetHandler)
			r.Get("/{tournamentID}/matches", h.Matches.ListHandler)

			// Защищённые маршруты: участие и управление
			r.Group(func(r chi.Router) {
				r.Use(auth.Authenticate)

				r.Post("/{tournamentID}/join", h.Tournaments.JoinHandler)
				r.Post("/{tournamentID}/leave", h.Tournaments.LeaveHandler)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireAdmin)

					r.Post("/", h.Tournaments.CreateHandler)
					r.Post("/{tournamentID}/force-start", h.Tournaments.ForceStartHandler)
					r.Post("/{tournamentID}/cancel", h.Tournaments.CancelHandler)
				})
			})
		})

		r.Route("/matches/{matchID}", func(r chi.Router) {
			r.Get("/", h.Matches.GetHandler)

			r.Group(func(r chi.Router) {
				r.Use(auth.Authenticate)

				r.Post("/report", h.Matches.ReportHandler)
				r.Post("/confirm", h.Matches.ConfirmHandler)
				r.Post("/dispute", h.Matches.DisputeHandler)
			})
		})

		r.Route("/wizard", func(r chi.Router) {
			r.Use(auth.Authenticate)

			r.Post("/", h.Wizard.BeginHandler)
			r.Post("/{sessionID}/answer", h.Wizard.AnswerHandler)
			r.Post("/{sessionID}/commit", h.Wizard.CommitHandler)
			r.Delete("/{sessionID}", h.Wizard.AbortHandler)
		})
	})

	return router
}
