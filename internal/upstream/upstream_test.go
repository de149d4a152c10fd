package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestListOnDeckParsesEpisodeInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ondeck" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("episodes_ahead") != "2" {
			t.Errorf("expected episodes_ahead=2, got %s", r.URL.Query().Get("episodes_ahead"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"file_path": "/array/show/s01e02.mkv",
					"user":      "alice",
					"episode_info": map[string]any{
						"show":              "Show",
						"season":            1,
						"episode":           2,
						"is_current_ondeck": true,
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "token", time.Second)
	items, err := c.ListOnDeck(context.Background(), 2, 14, nil)
	if err != nil {
		t.Fatalf("ListOnDeck: %v", err)
	}
	if len(items) != 1 || items[0].FilePath != "/array/show/s01e02.mkv" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if items[0].Episode == nil || !items[0].Episode.IsCurrentOnDeck {
		t.Errorf("expected parsed episode info with is_current_ondeck, got %+v", items[0].Episode)
	}
}

func TestHasActiveSessionsWrapsTransportError(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:0", "", 50*time.Millisecond)
	_, err := c.HasActiveSessions(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unreachable upstream")
	}
	var upErr *UpstreamError
	if !asUpstreamError(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %T: %v", err, err)
	}
}

func asUpstreamError(err error, target **UpstreamError) bool {
	if e, ok := err.(*UpstreamError); ok {
		*target = e
		return true
	}
	return false
}

func TestListSessionsNon200StatusIsSoftError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	sessions, err := c.ListSessions(context.Background())
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if sessions != nil {
		t.Errorf("expected nil sessions on error, got %+v", sessions)
	}
}
