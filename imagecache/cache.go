package imagecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	hashLength     = 13
	maxImageBytes  = 256 << 20
)

var ErrDownload = errors.New("cannot retrieve image")

// Cache keeps downloaded page images on disk, keyed by a hash of their URL.
type Cache struct {
	dir     string
	client  *http.Client
	timeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]rate.Limit

	group singleflight.Group
}

type Option func(*Cache)

func WithClient(client *http.Client) Option {
	return func(c *Cache) {
		c.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.timeout = timeout
	}
}

// WithHostLimit throttles requests to hosts containing the given fragment.
func WithHostLimit(host string, every time.Duration) Option {
	return func(c *Cache) {
		c.limits[host] = rate.Every(every)
	}
}

func New(dir string, options ...Option) (*Cache, error) {
	c := &Cache{
		dir:     dir,
		client:  http.DefaultClient,
		timeout: DefaultTimeout,

		limiters: make(map[string]*rate.Limiter),
		limits: map[string]rate.Limit{
			// BnF Gallica blocks clients downloading too eagerly
			"gallica.bnf.fr": rate.Every(10 * time.Second),
		},
	}

	for _, option := range options {
		option(c)
	}

	if err := os.MkdirAll(c.imagesDir(), 0o755); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) imagesDir() string {
	return filepath.Join(c.dir, "images")
}

// Key returns the cache file name for a URL.
func Key(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:hashLength]
}

func (c *Cache) Path(rawURL string) string {
	return filepath.Join(c.imagesDir(), Key(rawURL))
}

// Fetch returns the image bytes, downloading them on a cache miss.
// Concurrent fetches of the same URL share one download, which is not
// cancelled when the caller that started it gives up.
func (c *Cache) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	path := c.Path(rawURL)

	if data, err := os.ReadFile(path); err == nil {
		slog.Debug("using cached file", "url", rawURL, "path", path)
		return data, nil
	}

	shared := context.WithoutCancel(ctx)

	ch := c.group.DoChan(path, func() (any, error) {
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}

		data, err := c.download(shared, rawURL)
		if err != nil {
			return nil, err
		}

		if err := writeAtomic(path, data); err != nil {
			return nil, err
		}

		slog.Debug("saved file from URL", "url", rawURL, "path", path)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) Load(ctx context.Context, rawURL string) (image.Image, error) {
	data, err := c.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", rawURL, err)
	}

	return img, nil
}

func (c *Cache) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.wait(ctx, rawURL); err != nil {
		return nil, err
	}

	slog.Debug("connecting to URL", "url", rawURL)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Error("socket timed out", "url", rawURL)
		} else {
			slog.Error("download failed", "url", rawURL, "error", err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDownload, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("data not retrieved", "url", rawURL, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %s: status %d", ErrDownload, rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownload, rawURL, err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty body", ErrDownload, rawURL)
	}

	slog.Debug("successful download", "url", rawURL, "bytes", len(data))
	return data, nil
}

func (c *Cache) wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	limiter := c.limiter(u.Hostname())
	if limiter == nil {
		return nil
	}

	return limiter.Wait(ctx)
}

func (c *Cache) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.limiters[host]; ok {
		return l
	}

	for fragment, limit := range c.limits {
		if strings.Contains(host, fragment) {
			l := rate.NewLimiter(limit, 1)
			c.limiters[host] = l
			return l
		}
	}

	c.limiters[host] = nil
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), path)
}
