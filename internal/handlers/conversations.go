// Package handlers implements the REST retrieval surface: the conversation
// directory, paged history, read receipts, and pinned contacts. The
// realtime path lives in the dispatcher; everything here is pull-based.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/ledger"
	"github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/roster"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// DirectoryLister is the slice of the directory service the handler uses.
type DirectoryLister interface {
	List(ctx context.Context, user string) ([]domain.ConversationSummary, error)
	ListDirect(ctx context.Context, user string) ([]domain.ConversationSummary, error)
	ListGroups(ctx context.Context, user string) ([]domain.ConversationSummary, error)
}

// HistoryStore is the slice of the ledger the handler uses.
type HistoryStore interface {
	History(ctx context.Context, conversationKey, cursor string, limit int) (*ledger.Page, error)
	MarkRead(ctx context.Context, conversationKey, reader string) (int, error)
}

// ConversationHandler serves directory and history requests.
type ConversationHandler struct {
	directory DirectoryLister
	history   HistoryStore
	roster    roster.Membership
	logger    *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(directory DirectoryLister, history HistoryStore, members roster.Membership) *ConversationHandler {
	return &ConversationHandler{
		directory: directory,
		history:   history,
		roster:    members,
		logger:    slog.Default().With("service", "handlers.conversations"),
	}
}

// List handles GET /api/conversations.
func (h *ConversationHandler) List(c echo.Context) error {
	user, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}

	summaries, err := h.directory.List(c.Request().Context(), user)
	if err != nil {
		h.logger.Error("failed to list conversations", "user", user, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// ListDirect handles GET /api/conversations/direct.
func (h *ConversationHandler) ListDirect(c echo.Context) error {
	user, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}

	summaries, err := h.directory.ListDirect(c.Request().Context(), user)
	if err != nil {
		h.logger.Error("failed to list direct conversations", "user", user, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// ListGroups handles GET /api/conversations/groups.
func (h *ConversationHandler) ListGroups(c echo.Context) error {
	user, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}

	summaries, err := h.directory.ListGroups(c.Request().Context(), user)
	if err != nil {
		h.logger.Error("failed to list group conversations", "user", user, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summaries)
}

// History handles GET /api/conversations/:key/messages?cursor=&limit=.
func (h *ConversationHandler) History(c echo.Context) error {
	user, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	key := conversationKey(c)

	if err := h.authorize(c.Request().Context(), key, user); err != nil {
		return writeError(c, err)
	}

	limit := defaultPageSize
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return writeError(c, domain.ErrInvalidTarget)
		}
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	page, err := h.history.History(c.Request().Context(), key, c.QueryParam("cursor"), limit)
	if err != nil {
		h.logger.Error("failed to fetch history", "user", user, "conversation", key, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// MarkRead handles POST /api/conversations/:key/read. Idempotent: repeat
// calls report zero updates.
func (h *ConversationHandler) MarkRead(c echo.Context) error {
	user, ok := middleware.PrincipalID(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
	}
	key := conversationKey(c)

	if err := h.authorize(c.Request().Context(), key, user); err != nil {
		return writeError(c, err)
	}

	updated, err := h.history.MarkRead(c.Request().Context(), key, user)
	if err != nil {
		h.logger.Error("failed to mark conversation read", "user", user, "conversation", key, "error", err)
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, MarkReadResponse{Updated: updated})
}

// authorize enforces participation: direct keys must name the caller,
// group keys require roster membership.
func (h *ConversationHandler) authorize(ctx context.Context, key, user string) error {
	kind, parts, ok := domain.ParseRoom(key)
	if !ok {
		return domain.ErrInvalidTarget
	}

	switch kind {
	case domain.KindDirect:
		if _, ok := domain.DirectCounterpart(key, user); !ok {
			return domain.ErrForbidden
		}
	case domain.KindGroup:
		member, err := h.roster.IsMember(ctx, parts[0], user)
		if err != nil {
			return err
		}
		if !member {
			return domain.ErrForbidden
		}
	}
	return nil
}

// conversationKey extracts the :key path param, tolerating URL escaping of
// the colons in room keys.
func conversationKey(c echo.Context) string {
	key := c.Param("key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}
