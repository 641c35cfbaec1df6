package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/middleware"
)

// SavedStore is the slice of the pinned-contact store the handler uses.
type SavedStore interface {
	Upsert(ctx context.Context, owner, target, note string) (*domain.SavedConversation, error)
	Delete(ctx context.Context, owner, target string) error
}

// ContactsHandler serves the pinned-contact endpoints.
type ContactsHandler struct {
	saved  SavedStore
	logger *slog.Logger
}

// NewContactsHandler creates a ContactsHandler.
func NewContactsHandler(saved SavedStore) *ContactsHandler {
	return &ContactsHandler{
		saved:  saved,
		logger: slog.Default().With("service", "handlers.contacts"),
	}
}

// Upsert handles PUT /api/contacts/:target. Saving the same contact twice
// refreshes the note instead of failing.
func (h *ContactsHandler) Upsert(c echo.Context) error {
	owner, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	target := c.Param("target")
	if target == "" || target == owner {
		return writeError(c, domain.ErrInvalidTarget)
	}

	var req UpsertContactRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, domain.ErrInvalidTarget)
	}
	if err := c.Validate(&req); err != nil {
		return writeError(c, domain.ErrInvalidTarget)
	}

	sc, err := h.saved.Upsert(c.Request().Context(), owner, target, req.Note)
	if err != nil {
		h.logger.Error("failed to save contact", "owner", owner, "target", target, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sc)
}

// Delete handles DELETE /api/contacts/:target. Removing a contact that was
// never saved succeeds quietly.
func (h *ContactsHandler) Delete(c echo.Context) error {
	owner, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	target := c.Param("target")
	if target == "" {
		return writeError(c, domain.ErrInvalidTarget)
	}

	if err := h.saved.Delete(c.Request().Context(), owner, target); err != nil {
		h.logger.Error("failed to delete contact", "owner", owner, "target", target, "error", err)
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
