package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plexlink/internal/registry"
	"plexlink/internal/store"
	"plexlink/internal/version"
)

// Server exposes the controller-hub API: device configuration CRUD,
// connection control, remote commands and the live event stream.
type Server struct {
	router     chi.Router
	store      *store.Store
	registry   *registry.Registry
	version    *version.Checker
	corsOrigin string
}

func NewServer(s *store.Store, opts ...Option) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
	}
	for _, o := range opts {
		o(srv)
	}
	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.routes()
	return srv
}

type Option func(*Server)

func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.registry = r }
}

func WithCORSOrigin(origin string) Option {
	return func(s *Server) { s.corsOrigin = origin }
}

func WithVersionChecker(c *version.Checker) Option {
	return func(s *Server) { s.version = c }
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
