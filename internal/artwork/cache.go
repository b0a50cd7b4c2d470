package artwork

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"plexlink/internal/httputil"

	_ "image/gif"
	_ "image/jpeg"
)

const (
	// DefaultMaxSize bounds the longer dimension of served artwork.
	DefaultMaxSize = 400

	fetchTimeout  = 10 * time.Second
	maxImageBytes = 20 << 20
)

// Cache resolves an artwork source URL to a size-bounded, base64-encoded
// image. It holds at most one entry: a hit requires exact URL equality
// with the previous fetch, any other URL evicts and refetches.
type Cache struct {
	maxSize  int
	http     *http.Client
	limiter  *rate.Limiter
	fallback string

	mu      sync.Mutex
	url     string
	encoded string
}

func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		maxSize:  maxSize,
		http:     httputil.NewClientWithTimeout(fetchTimeout),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 3),
		fallback: renderFallback(maxSize / 4),
	}
}

// Resolve returns the encoded image for url, fetching and downscaling it
// on a cache miss. Any fetch or decode failure degrades to an empty
// string; callers treat empty as "no artwork", never as an error.
func (c *Cache) Resolve(ctx context.Context, url string) string {
	if url == "" {
		return ""
	}

	c.mu.Lock()
	if c.url == url && c.encoded != "" {
		encoded := c.encoded
		c.mu.Unlock()
		return encoded
	}
	c.mu.Unlock()

	encoded, err := c.fetch(ctx, url)
	if err != nil {
		slog.Debug("artwork: fetch failed", "url", url, "error", err)
		return ""
	}

	c.mu.Lock()
	c.url = url
	c.encoded = encoded
	c.mu.Unlock()
	return encoded
}

// Fallback returns the static placeholder served when nothing is
// playing. It is rendered once at construction and never touches the
// network.
func (c *Cache) Fallback() string {
	return c.fallback
}

// Clear evicts the cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.url = ""
	c.encoded = ""
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, url string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artwork fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}
	return encode(downscale(img, c.maxSize))
}

// downscale shrinks img so its longer dimension equals bound, keeping
// aspect ratio. Images already within the bound pass through untouched.
func downscale(img image.Image, bound int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= bound && h <= bound {
		return img
	}

	var nw, nh int
	if w > h {
		nw = bound
		nh = h * bound / w
	} else {
		nh = bound
		nw = w * bound / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// renderFallback draws the plain placeholder tile.
func renderFallback(size int) string {
	if size < 16 {
		size = 16
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	bg := color.RGBA{R: 0x28, G: 0x2a, B: 0x2d, A: 0xff}
	accent := color.RGBA{R: 0xe5, G: 0xa0, B: 0x0d, A: 0xff}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, bg)
		}
	}
	// center chevron
	mid := size / 2
	for y := size / 4; y < 3*size/4; y++ {
		span := mid - abs(y-mid)
		for x := size / 3; x < size/3+span/2+1; x++ {
			img.Set(x, y, accent)
		}
	}
	encoded, err := encode(img)
	if err != nil {
		return ""
	}
	return encoded
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
