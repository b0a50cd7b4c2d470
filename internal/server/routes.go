package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/events", s.handleEvents)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(limitBody)
		r.Use(jsonContentType)
		r.Use(corsMiddleware(s.corsOrigin))

		r.Get("/version", s.handleVersion)

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices", s.handleCreateDevice)
		r.Get("/devices/{identifier}", s.handleGetDevice)
		r.Put("/devices/{identifier}", s.handleUpdateDevice)
		r.Delete("/devices/{identifier}", s.handleDeleteDevice)

		r.Get("/devices/{identifier}/state", s.handleDeviceState)
		r.Post("/devices/{identifier}/connect", s.handleConnectDevice)
		r.Post("/devices/{identifier}/disconnect", s.handleDisconnectDevice)
		r.Post("/devices/{identifier}/command", s.handleCommand)
	})
}
