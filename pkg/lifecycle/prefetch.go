package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vidforge/vidforge/pkg/retry"
)

// AssetFetcher downloads one engine asset from a mirror URL
type AssetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// engineAssets are the binary assets Prefetch warms, relative to each
// mirror base URL.
var engineAssets = []string{
	"vidforge-core.bin",
	"vidforge-core.manifest",
}

// httpAssetFetcher fetches assets over HTTP
type httpAssetFetcher struct {
	client *http.Client
}

// NewHTTPAssetFetcher creates the default fetcher
func NewHTTPAssetFetcher() AssetFetcher {
	return &httpAssetFetcher{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *httpAssetFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}

// SetAssetFetcher replaces the download transport, for tests
func (m *Manager) SetAssetFetcher(f AssetFetcher) {
	m.mu.Lock()
	m.fetcher = f
	m.mu.Unlock()
}

// prefetch walks the mirror list, retrying each with backoff before
// moving to the next. The first mirror that yields every asset wins.
func (m *Manager) prefetch(ctx context.Context) error {
	m.mu.Lock()
	mirrors := m.cfg.Mirrors
	fetcher := m.fetcher
	retryCfg := m.cfg.Retry
	assetDir := m.cfg.AssetDir
	m.mu.Unlock()

	if len(mirrors) == 0 {
		m.log.Debug("prefetch skipped: no mirrors configured")
		return nil
	}

	cacheDir, err := assetCacheDir(assetDir)
	if err != nil {
		return fmt.Errorf("resolving asset cache dir: %w", err)
	}

	var lastErr error
	for _, mirror := range mirrors {
		err := retry.Do(ctx, retryCfg, func() error {
			ferr := fetchMirror(ctx, fetcher, mirror, cacheDir)
			if ferr != nil && !retry.IsRetryable(ferr) {
				// hard failures like 404 will not heal with backoff; move
				// straight to the next mirror
				return retry.Abort(ferr)
			}
			return ferr
		})
		if err == nil {
			m.log.Info("engine assets prefetched", map[string]interface{}{"mirror": mirror})
			return nil
		}
		lastErr = err
		m.log.Warn("mirror exhausted", map[string]interface{}{"mirror": mirror, "error": err.Error()})

		if ctx.Err() != nil {
			return fmt.Errorf("prefetch cancelled: %w", ctx.Err())
		}
	}

	return fmt.Errorf("all %d mirrors exhausted: %w", len(mirrors), lastErr)
}

func fetchMirror(ctx context.Context, fetcher AssetFetcher, mirror, cacheDir string) error {
	for _, asset := range engineAssets {
		data, err := fetcher.Fetch(ctx, mirror+"/"+asset)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(cacheDir, asset), data, 0644); err != nil {
			return fmt.Errorf("caching %s: %w", asset, err)
		}
	}
	return nil
}

func assetCacheDir(override string) (string, error) {
	dir := override
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, "vidforge", "assets")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
