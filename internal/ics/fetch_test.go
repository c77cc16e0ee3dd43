package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetcher_ConditionalGet(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(standup))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 0)
	src := Source{ID: "team", URL: srv.URL + "/team.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || first.Unchanged {
		t.Errorf("first fetch should be fresh, got FromCache=%v Unchanged=%v", first.FromCache, first.Unchanged)
	}
	if string(first.Body) != standup {
		t.Errorf("unexpected body %q", first.Body)
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache || !second.Unchanged {
		t.Errorf("second fetch should come from cache, got FromCache=%v Unchanged=%v", second.FromCache, second.Unchanged)
	}
	if string(second.Body) != standup {
		t.Errorf("unexpected cached body %q", second.Body)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
}

func TestFetcher_Forget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(standup))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 0)
	src := Source{ID: "team", URL: srv.URL + "/team.ics"}

	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if err := f.Forget(src); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	again, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("fetch after Forget: %v", err)
	}
	if again.FromCache || again.Unchanged {
		t.Errorf("fetch after Forget should be fresh, got FromCache=%v Unchanged=%v", again.FromCache, again.Unchanged)
	}

	if err := NewFetcher("", 0).Forget(src); err != nil {
		t.Errorf("Forget without cache: %v", err)
	}
}

func TestFetcher_SameBodyIsUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(standup))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 0)
	src := Source{ID: "plain", URL: srv.URL}

	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	res, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if res.FromCache {
		t.Error("expected a network body, not the cache")
	}
	if !res.Unchanged {
		t.Error("expected identical body to be reported as unchanged")
	}
}

func TestFetcher_ServerErrorFallsBackToCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(standup))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), 0)
	src := Source{ID: "flaky", URL: srv.URL}

	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	fail.Store(true)

	res, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("expected cache fallback, got %v", err)
	}
	if !res.FromCache {
		t.Error("expected FromCache on server error")
	}
}

func TestFetcher_NoCacheReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher("", 0)
	if _, err := f.FetchOne(context.Background(), Source{ID: "x", URL: srv.URL}); err == nil {
		t.Fatal("expected error for 404 without cache")
	}
}

func TestNormalizeFeedURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://example.com/a.ics", "https://example.com/a.ics", false},
		{"webcal://example.com/a.ics", "https://example.com/a.ics", false},
		{"ftp://example.com/a.ics", "", true},
		{"", "", true},
		{"https:///nohost", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeFeedURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("normalizeFeedURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeFeedURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://calendar.example.com/private/abcd/basic.ics?token=1")
	if got != "https://calendar.example.com/...(redacted)" {
		t.Errorf("redactURL = %q", got)
	}
}
