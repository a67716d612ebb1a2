package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/buildhive/engine/internal/api/handlers"
	mw "github.com/buildhive/engine/internal/api/middleware"
)

type Dependencies struct {
	DB              *gorm.DB
	HMACSecret      []byte
	AuthHandler     *handlers.AuthHandler
	ProjectsHandler *handlers.ProjectsHandler
	BuildsHandler   *handlers.BuildsHandler
	VersionsHandler *handlers.VersionsHandler
	EventsHandler   *handlers.EventsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	hh := handlers.NewHealthHandler(dep.DB)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		// Auth routes (public)
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/register", dep.AuthHandler.Register)
			ar.Post("/login", dep.AuthHandler.Login)
			ar.Post("/logout", dep.AuthHandler.Logout)
		})

		// Protected routes
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/projects", func(pr chi.Router) {
				pr.Get("/", dep.ProjectsHandler.List)
				pr.Post("/", dep.ProjectsHandler.Create)

				pr.Route("/{id}", func(one chi.Router) {
					one.Get("/", dep.ProjectsHandler.Get)
					one.Delete("/", dep.ProjectsHandler.Delete)
					one.Get("/builds", dep.ProjectsHandler.ListBuilds)
					one.Get("/builds/latest", dep.ProjectsHandler.LatestBuild)

					one.Get("/versions", dep.VersionsHandler.List)
					one.Get("/versions/published", dep.VersionsHandler.GetPublished)
					one.Post("/versions/{versionID}/publish", dep.VersionsHandler.Publish)
					one.Post("/versions/{versionID}/supersede", dep.VersionsHandler.Supersede)
					one.Post("/rollback", dep.VersionsHandler.Rollback)

					one.Get("/events", dep.EventsHandler.List)
					one.Post("/events", dep.EventsHandler.Append)
				})
			})

			protected.Route("/builds", func(br chi.Router) {
				br.Get("/{id}", dep.BuildsHandler.Get)
				br.Post("/{id}/outcome", dep.BuildsHandler.Outcome)
			})
		})
	})

	return r
}
