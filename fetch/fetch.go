// Package fetch retrieves image bytes from upstream sources. The cache
// consumes it through the Fetcher interface; HTTPFetcher is the standard
// implementation for http(s) keys.
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/zstd"
	imagecache "github.com/wolfeidau/image-cache"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes is the default cap on a fetched payload (32 MiB).
	DefaultMaxBytes = 32 << 20
)

var (
	// ErrUnsupportedContent is returned when the upstream responds with
	// a content type the cache cannot decode.
	ErrUnsupportedContent = errors.New("unsupported content type")

	// ErrUpstream is returned for non-2xx upstream responses.
	ErrUpstream = errors.New("upstream request failed")

	// ErrTooLarge is returned when the payload exceeds the configured cap.
	ErrTooLarge = errors.New("payload too large")
)

// Result is a fetched payload.
type Result struct {
	Data        []byte
	ContentType string
}

// Fetcher retrieves the bytes behind a cache key.
type Fetcher interface {
	Fetch(ctx context.Context, key imagecache.Key) (*Result, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, key imagecache.Key) (*Result, error)

// Fetch implements Fetcher.
func (f FetchFunc) Fetch(ctx context.Context, key imagecache.Key) (*Result, error) {
	return f(ctx, key)
}

// supportedTypes are the image content types the cache will store.
var supportedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
}

// HTTPFetcher fetches images over HTTP(S), treating the key as a URL.
// Responses compressed with zstd or gzip are decoded transparently.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithMaxBytes caps the size of a fetched payload.
func WithMaxBytes(n int64) Option {
	return func(f *HTTPFetcher) {
		f.maxBytes = n
	}
}

// WithUserAgent sets the User-Agent header on upstream requests.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the image behind key. Non-2xx responses and
// non-image content types fail the fetch; neither is retried here.
func (f *HTTPFetcher) Fetch(ctx context.Context, key imagecache.Key) (*Result, error) {
	u, err := url.Parse(key.String())
	if err != nil {
		return nil, fmt.Errorf("parsing key as URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/gif")
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
	}
	if _, ok := supportedTypes[mediaType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, mediaType)
	}

	// Setting Accept-Encoding explicitly disables the transport's
	// automatic gzip handling, so both encodings are handled here.
	var body io.Reader = resp.Body
	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		body = dec
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		body = gz
	default:
		return nil, fmt.Errorf("%w: content encoding %q", ErrUnsupportedContent, enc)
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, f.maxBytes)
	}

	return &Result{Data: data, ContentType: mediaType}, nil
}

// Compile-time interface checks
var (
	_ Fetcher = (*HTTPFetcher)(nil)
	_ Fetcher = (FetchFunc)(nil)
)
