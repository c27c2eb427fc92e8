package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"visionbatch/internal/http/handlers"
	"visionbatch/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.AllowedOrigins),
		middleware.I18N(middleware.LocaleEnglish),
	)

	// Public
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(app.Config.JWTSecret))
		r.Use(middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute))

		r.Get("/v1/me", app.Me)

		r.Route("/v1/video/batches", func(r chi.Router) {
			r.Get("/", app.ListBatches)
			r.Post("/", app.CreateBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", app.GetBatch)
				r.Post("/retry_failed", app.RetryFailed)
				r.Get("/export", app.ExportBatch)
				r.Route("/items/{item_id}", func(r chi.Router) {
					r.Get("/result_url", app.ItemResultURL)
					r.Get("/input_url", app.ItemInputURL)
					r.Post("/cancel", app.CancelItem)
					r.Post("/resume", app.ResumeItem)
					r.Post("/reprocess", app.ReprocessItem)
					r.Post("/resubmit", app.ResubmitItem)
				})
			})
		})

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/batches", app.AdminListBatches)
			r.Get("/users", app.AdminListUsers)
			r.Put("/users/{user_id}/credits", app.AdminSetCredits)
			r.Put("/lightx2v/token", app.AdminSetLightX2VToken)
		})
	})

	return r
}
