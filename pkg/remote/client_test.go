package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "app-password" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired", "message": "Invalid identifier or password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"accessJwt":  "access-token",
			"refreshJwt": "refresh-token",
			"handle":     body["identifier"],
			"did":        "did:plc:crawler",
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.actor.searchActors", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired"})
			return
		}
		if r.URL.Query().Get("q") == "slow" {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "RateLimitExceeded", "message": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"actors": []map[string]string{{"did": "did:plc:alf", "handle": "alf.bsky.social"}},
			"cursor": "next",
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.feed.getAuthorFeed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("actor") != "did:plc:alf" || q.Get("filter") != "posts_no_replies" || q.Get("limit") != "100" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": r.URL.RawQuery})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"feed": []map[string]any{{
				"post": map[string]any{
					"uri":       "at://did:plc:alf/app.bsky.feed.post/1",
					"cid":       "bafy1",
					"indexedAt": "2024-03-01T12:00:00.000Z",
					"author":    map[string]string{"did": "did:plc:alf", "handle": "alf.bsky.social"},
					"record":    map[string]string{"$type": "app.bsky.feed.post", "text": "hi", "createdAt": "2024-03-01T12:00:00.000Z"},
				},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCallsRequireLogin(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(discardLogger, srv.URL, 0, "")

	_, err := c.SearchActors(context.Background(), "alf", "", 100)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestLoginRejected(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(discardLogger, srv.URL, 0, "")

	if err := c.Login(context.Background(), "crawler.bsky.social", "wrong"); err == nil {
		t.Fatal("expected login with a bad password to fail")
	}
}

func TestSearchAndFeedAfterLogin(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	c := NewClient(discardLogger, srv.URL, 100, "keyword-feed/test")

	if err := c.Login(ctx, "crawler.bsky.social", "app-password"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	actors, err := c.SearchActors(ctx, "alf", "", 100)
	if err != nil {
		t.Fatalf("SearchActors: %v", err)
	}
	if len(actors.Actors) != 1 || actors.Actors[0].Did != "did:plc:alf" {
		t.Errorf("unexpected actors: %+v", actors.Actors)
	}
	if actors.Cursor == nil || *actors.Cursor != "next" {
		t.Errorf("unexpected cursor: %v", actors.Cursor)
	}

	feed, err := c.GetAuthorFeed(ctx, "did:plc:alf", "", "posts_no_replies", 100)
	if err != nil {
		t.Fatalf("GetAuthorFeed: %v", err)
	}
	if len(feed.Feed) != 1 || feed.Feed[0].Post.Uri != "at://did:plc:alf/app.bsky.feed.post/1" {
		t.Errorf("unexpected feed: %+v", feed.Feed)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	c := NewClient(discardLogger, srv.URL, 0, "")

	if err := c.Login(ctx, "crawler.bsky.social", "app-password"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := c.SearchActors(ctx, "slow", "", 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
