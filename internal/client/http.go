package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/middleware"
)

// HTTPStrategy retrieves history over the REST surface. Two instances with
// different base URLs make a primary/fallback pair in a Fetcher.
type HTTPStrategy struct {
	baseURL   string
	principal string
	http      *http.Client
}

// NewHTTPStrategy creates a strategy against one endpoint, acting as the
// given principal.
func NewHTTPStrategy(baseURL, principal string) *HTTPStrategy {
	return &HTTPStrategy{
		baseURL:   baseURL,
		principal: principal,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStrategy) Name() string {
	return "http " + s.baseURL
}

func (s *HTTPStrategy) Fetch(ctx context.Context, conversationKey, cursor string, limit int) (*Result, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}

	endpoint := fmt.Sprintf("%s/api/conversations/%s/messages", s.baseURL, url.PathEscape(conversationKey))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(middleware.PrincipalHeader, s.principal)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("history fetch failed with %d: %s", resp.StatusCode, errResp.Message)
	}

	var page struct {
		Messages   []domain.Message `json:"messages"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}

	return &Result{Messages: page.Messages, NextCursor: page.NextCursor}, nil
}
