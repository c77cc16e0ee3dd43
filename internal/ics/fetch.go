package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "icsimport/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	// maxBodyBytes caps a single feed download.
	maxBodyBytes = 10 << 20
)

// Source is a remote iCalendar feed.
type Source struct {
	// ID is an internal identifier used for logging and cache keys.
	ID string
	// URL is the feed endpoint. webcal:// is treated as https://.
	URL string
}

// FetchResult contains the outcome of fetching a single Source.
type FetchResult struct {
	Source Source
	Body   []byte
	// FromCache is true when Body came from the disk cache (304, or a
	// network/server failure with a cached copy available).
	FromCache bool
	// Unchanged is true when Body is identical to what the previous
	// successful fetch returned.
	Unchanged bool
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	BodySHA256   string    `json:"body_sha256,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests (ETag / Last-Modified)
// backed by a disk cache. An empty cache dir disables caching.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. A zero timeout selects 15s.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// FetchOne fetches a single feed. With caching enabled, a cached body is
// used on 304 and as a fallback on network errors or non-OK responses.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	target, err := normalizeFeedURL(src.URL)
	if err != nil {
		return FetchResult{}, err
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(target)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.8, */*;q=0.5")
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(target))

	cached := FetchResult{Source: src, Body: cachedBody, FromCache: true, Unchanged: true}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(target))
			return cached, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return FetchResult{}, err
		}
		if len(body) > maxBodyBytes {
			return FetchResult{}, fmt.Errorf("feed %s exceeds %d bytes", src.ID, maxBodyBytes)
		}

		sum := sha256.Sum256(body)
		digest := hex.EncodeToString(sum[:])
		unchanged := meta.BodySHA256 != "" && meta.BodySHA256 == digest

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          target,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				BodySHA256:   digest,
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(target))
			}
		}

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(target), "bytes", len(body), "unchanged", unchanged)
		return FetchResult{Source: src, Body: body, Unchanged: unchanged}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(target))
		return cached, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", redactURL(target))
			return cached, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %s", src.ID, resp.Status)
	}
}

// normalizeFeedURL validates raw and rewrites webcal:// to https://.
func normalizeFeedURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("source URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal", "webcals":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("source URL has no host")
	}
	return u.String(), nil
}

// Forget drops the cached body and validators for src, so the next FetchOne
// does a full download reported as changed. It is a no-op without a cache.
func (f *Fetcher) Forget(src Source) error {
	if f.cacheDir == "" {
		return nil
	}
	target, err := normalizeFeedURL(src.URL)
	if err != nil {
		return err
	}
	return os.RemoveAll(f.cachePathForURL(target))
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	// First 16 hex chars are enough to keep feeds apart.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host of a feed URL for logging; private
// feed URLs usually carry a secret token in the path or query.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
