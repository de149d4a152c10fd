// Package upstream is the narrow adapter to the upstream media server
// described in spec.md §4.4: on-deck/watchlist/session discovery plus a
// lightweight active-session guard. Grounded on the teacher's http.Client
// usage pattern (cmd/shrinkray/main.go builds one http.Server; here we
// build the client side of an equivalent relationship) and on
// other_examples' relay-session.go for the shape of a context-aware HTTP
// client wrapper. Errors are always translated to UpstreamError and never
// propagated as fatal, per spec.md §4.4 and §7.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sittingmongoose/cachecoord/internal/logger"
	"github.com/sittingmongoose/cachecoord/internal/model"
)

// UpstreamError wraps any failure talking to the upstream media server.
// Callers never treat it as fatal — see Client doc comment.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func wrap(op string, err error) *UpstreamError {
	return &UpstreamError{Op: op, Err: err}
}

// Client is the narrow upstream adapter spec.md §4.4 requires. Every
// method is soft-failing in practice: an implementation should itself
// log and return (nil, *UpstreamError) rather than panic, and callers
// (internal/cycle, internal/monitor) treat a returned error as "empty
// result, log it" — never a fatal abort of the calling operation.
type Client interface {
	ListOnDeck(ctx context.Context, episodesAhead, daysToMonitor int, skipUsers []string) ([]model.OnDeckItem, error)
	ListWatchlist(ctx context.Context, episodesPerShow int, skipUsers []string) ([]model.WatchlistItem, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	ListWatchedFiles(ctx context.Context, librarySections []string) ([]string, error)
	HasActiveSessions(ctx context.Context) (bool, error)
}

// TrendingClient is an optional extension a Client implementation may
// also satisfy, to supply the Trakt-trending supplemented feature from
// SPEC_FULL.md §4. Not required by the core cycle.
type TrendingClient interface {
	ListTrending(ctx context.Context, limit int) ([]model.OnDeckItem, error)
}

// HTTPClient is a concrete Client backed by a JSON HTTP API, the shape a
// real Plex-like media server's machine interface takes. Every call is
// wrapped in a per-call timeout (default 30s per spec.md §7) and every
// failure is translated to an *UpstreamError instead of propagating raw
// transport/decode errors.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
}

// NewHTTPClient builds an upstream client talking to baseURL, authenticated
// with token. timeout of 0 defaults to 30s, matching spec.md §7.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("X-Upstream-Token", c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type onDeckResponse struct {
	Items []struct {
		FilePath string `json:"file_path"`
		User     string `json:"user"`
		Episode  *struct {
			Show            string `json:"show"`
			Season          int    `json:"season"`
			Episode         int    `json:"episode"`
			IsCurrentOnDeck bool   `json:"is_current_ondeck"`
		} `json:"episode_info"`
	} `json:"items"`
}

// ListOnDeck implements Client.ListOnDeck.
func (c *HTTPClient) ListOnDeck(ctx context.Context, episodesAhead, daysToMonitor int, skipUsers []string) ([]model.OnDeckItem, error) {
	q := url.Values{}
	q.Set("episodes_ahead", strconv.Itoa(episodesAhead))
	q.Set("days_to_monitor", strconv.Itoa(daysToMonitor))
	for _, u := range skipUsers {
		q.Add("skip_user", u)
	}

	var resp onDeckResponse
	if err := c.get(ctx, "/ondeck", q, &resp); err != nil {
		logger.For("upstream").Warn("list_ondeck failed", "error", err)
		return nil, wrap("list_ondeck", err)
	}

	out := make([]model.OnDeckItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		oi := model.OnDeckItem{FilePath: item.FilePath, User: item.User}
		if item.Episode != nil {
			oi.Episode = &model.EpisodeInfo{
				Show:            item.Episode.Show,
				Season:          item.Episode.Season,
				Episode:         item.Episode.Episode,
				IsCurrentOnDeck: item.Episode.IsCurrentOnDeck,
			}
		}
		out = append(out, oi)
	}
	return out, nil
}

type watchlistResponse struct {
	Items []struct {
		FilePath string    `json:"file_path"`
		User     string    `json:"user"`
		AddedAt  time.Time `json:"added_at"`
		Episode  *struct {
			Show            string `json:"show"`
			Season          int    `json:"season"`
			Episode         int    `json:"episode"`
			IsCurrentOnDeck bool   `json:"is_current_ondeck"`
		} `json:"episode_info"`
	} `json:"items"`
}

// ListWatchlist implements Client.ListWatchlist.
func (c *HTTPClient) ListWatchlist(ctx context.Context, episodesPerShow int, skipUsers []string) ([]model.WatchlistItem, error) {
	q := url.Values{}
	q.Set("episodes_per_show", strconv.Itoa(episodesPerShow))
	for _, u := range skipUsers {
		q.Add("skip_user", u)
	}

	var resp watchlistResponse
	if err := c.get(ctx, "/watchlist", q, &resp); err != nil {
		logger.For("upstream").Warn("list_watchlist failed", "error", err)
		return nil, wrap("list_watchlist", err)
	}

	out := make([]model.WatchlistItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		wi := model.WatchlistItem{FilePath: item.FilePath, User: item.User, AddedAt: item.AddedAt}
		if item.Episode != nil {
			wi.Episode = &model.EpisodeInfo{
				Show:            item.Episode.Show,
				Season:          item.Episode.Season,
				Episode:         item.Episode.Episode,
				IsCurrentOnDeck: item.Episode.IsCurrentOnDeck,
			}
		}
		out = append(out, wi)
	}
	return out, nil
}

type sessionsResponse struct {
	Sessions []model.Session `json:"sessions"`
}

// ListSessions implements Client.ListSessions.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]model.Session, error) {
	var resp sessionsResponse
	if err := c.get(ctx, "/sessions", nil, &resp); err != nil {
		logger.For("upstream").Warn("list_sessions failed", "error", err)
		return nil, wrap("list_sessions", err)
	}
	return resp.Sessions, nil
}

type watchedFilesResponse struct {
	Paths []string `json:"paths"`
}

// ListWatchedFiles implements Client.ListWatchedFiles.
func (c *HTTPClient) ListWatchedFiles(ctx context.Context, librarySections []string) ([]string, error) {
	q := url.Values{}
	for _, s := range librarySections {
		q.Add("section", s)
	}

	var resp watchedFilesResponse
	if err := c.get(ctx, "/watched", q, &resp); err != nil {
		logger.For("upstream").Warn("list_watched_files failed", "error", err)
		return nil, wrap("list_watched_files", err)
	}
	return resp.Paths, nil
}

// HasActiveSessions implements Client.HasActiveSessions as a lightweight
// guard (spec.md §4.4) — a dedicated endpoint rather than ListSessions,
// since the cycle gate calls it on every run and a boolean response is
// cheaper than enumerating sessions the gate immediately discards.
func (c *HTTPClient) HasActiveSessions(ctx context.Context) (bool, error) {
	var resp struct {
		Active bool `json:"active"`
	}
	if err := c.get(ctx, "/sessions/active", nil, &resp); err != nil {
		logger.For("upstream").Warn("has_active_sessions failed", "error", err)
		return false, wrap("has_active_sessions", err)
	}
	return resp.Active, nil
}

type trendingResponse struct {
	Items []struct {
		FilePath string `json:"file_path"`
	} `json:"items"`
}

// ListTrending implements the optional TrendingClient extension, backing
// the Trakt-trending supplemented feature (SPEC_FULL.md §4).
func (c *HTTPClient) ListTrending(ctx context.Context, limit int) ([]model.OnDeckItem, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var resp trendingResponse
	if err := c.get(ctx, "/trending", q, &resp); err != nil {
		logger.For("upstream").Warn("list_trending failed", "error", err)
		return nil, wrap("list_trending", err)
	}

	out := make([]model.OnDeckItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		out = append(out, model.OnDeckItem{FilePath: item.FilePath})
	}
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
var _ TrendingClient = (*HTTPClient)(nil)
