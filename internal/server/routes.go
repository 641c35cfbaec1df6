package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/handlers"
	appmw "github.com/nfrund/parley/internal/middleware"
)

// registerRoutes wires the REST retrieval surface and the realtime channel.
// Everything except the health probe requires a principal.
func (s *Server) registerRoutes(conversations *handlers.ConversationHandler, contacts *handlers.ContactsHandler) {
	s.E.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := s.E.Group("/api", appmw.Principal())
	api.GET("/conversations", conversations.List)
	api.GET("/conversations/direct", conversations.ListDirect)
	api.GET("/conversations/groups", conversations.ListGroups)
	api.GET("/conversations/:key/messages", conversations.History)
	api.POST("/conversations/:key/read", conversations.MarkRead)
	api.PUT("/contacts/:target", contacts.Upsert)
	api.DELETE("/contacts/:target", contacts.Delete)

	s.E.GET("/ws", s.Bridge.Handler(), appmw.Principal())
}
