// Package loader orchestrates the end-to-end get-or-populate flow: admit
// the request, look in the disk cache, fetch and transform on a miss, and
// persist per the request's save strategy. Requests for different keys run
// in parallel on a bounded worker pool; a request for a key that already
// has a populate in flight is rejected with ErrInFlight.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/admission"
	"github.com/wolfeidau/image-cache/engine"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/transform"
)

// DefaultWorkerLimit bounds how many requests run concurrently.
const DefaultWorkerLimit = 8

var (
	// ErrInFlight is returned when another request is already populating
	// the same key. Distinct from a miss and from a fetch failure; the
	// caller may simply retry later.
	ErrInFlight = errors.New("request already in progress")

	// ErrClosed is returned for requests issued after Close.
	ErrClosed = errors.New("loader closed")
)

// SaveStrategy selects which bytes are persisted on a populate.
type SaveStrategy int

const (
	// SaveOriginal stores the untouched fetched bytes; transformations
	// are recomputed on every hit.
	SaveOriginal SaveStrategy = iota

	// SaveTransformed stores the transformed bitmap, so hits skip the
	// transformations already baked in.
	SaveTransformed
)

// String returns a human-readable name for the strategy.
func (s SaveStrategy) String() string {
	switch s {
	case SaveOriginal:
		return "original"
	case SaveTransformed:
		return "transformed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// DeliveryMode selects how the result reaches the caller.
type DeliveryMode int

const (
	// DeliverAwait resolves the returned Future only.
	DeliverAwait DeliveryMode = iota

	// DeliverNotify additionally invokes the request's Sink. The sink
	// must tolerate its original consumer having gone away.
	DeliverNotify
)

// Request describes one keyed load.
type Request struct {
	Key             imagecache.Key
	Transformations transform.List
	Save            SaveStrategy
	Mode            DeliveryMode

	// Sink receives the response when Mode is DeliverNotify.
	Sink func(*Response)
}

// Response is the outcome of a request. Exactly one of Image or Err is
// meaningful.
type Response struct {
	Key         imagecache.Key
	RequestID   string
	Image       image.Image
	ContentType string

	// Applied are the transformation kinds computed by this request.
	Applied []transform.Kind

	// AlreadyApplied are the requested kinds skipped because they were
	// baked into the cached bytes.
	AlreadyApplied []transform.Kind

	FromCache bool
	Err       error
}

// Future is the single-assignment result of an asynchronous request.
type Future struct {
	ch chan *Response
}

// Wait blocks until the response is available or ctx expires.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case resp := <-f.ch:
		return resp, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Loader composes the engine, the admission gate, and the fetch
// collaborator. Safe for concurrent use.
type Loader struct {
	engine  *engine.Engine
	fetcher fetch.Fetcher
	gate    *admission.Gate
	logger  *slog.Logger

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithWorkerLimit bounds concurrent requests (default: DefaultWorkerLimit).
func WithWorkerLimit(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.group.SetLimit(n)
		}
	}
}

// New creates a Loader on top of an engine and a fetcher.
func New(eng *engine.Engine, fetcher fetch.Fetcher, opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Loader{
		engine:  eng,
		fetcher: fetcher,
		gate:    admission.NewGate(),
		logger:  slog.Default(),
		group:   &errgroup.Group{},
		ctx:     ctx,
		cancel:  cancel,
	}
	l.group.SetLimit(DefaultWorkerLimit)

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load schedules the request on the worker pool and returns its future.
// Scheduling blocks when the pool is at its limit.
func (l *Loader) Load(req Request) *Future {
	fut := &Future{ch: make(chan *Response, 1)}

	if l.ctx.Err() != nil {
		fut.ch <- &Response{Key: req.Key, Err: ErrClosed}
		return fut
	}

	l.group.Go(func() error {
		resp := l.process(l.ctx, req)
		fut.ch <- resp
		if req.Mode == DeliverNotify && req.Sink != nil {
			req.Sink(resp)
		}
		return nil
	})
	return fut
}

// Do runs the request synchronously on the caller's goroutine.
func (l *Loader) Do(ctx context.Context, req Request) (*Response, error) {
	resp := l.process(ctx, req)
	if resp.Err != nil {
		return resp, resp.Err
	}
	return resp, nil
}

// Close cancels outstanding requests and waits for the pool to drain.
// In-flight requests resolve to failures rather than hang.
func (l *Loader) Close() {
	l.cancel()
	_ = l.group.Wait()
}

func (l *Loader) process(ctx context.Context, req Request) *Response {
	resp := &Response{
		Key:       req.Key,
		RequestID: uuid.NewString(),
	}
	logger := l.logger.With("request_id", resp.RequestID, "key", req.Key)

	if !l.gate.TryAdmit(req.Key) {
		telemetry.RecordRejection(ctx)
		logger.Debug("request rejected, key already in flight")
		resp.Err = ErrInFlight
		return resp
	}
	defer l.gate.Release(req.Key)

	entry, err := l.engine.Get(ctx, req.Key)
	switch {
	case err == nil:
		if l.serveHit(logger, req, entry, resp) {
			return resp
		}
		// The payload vanished between lookup and read; repopulate.
	case errors.Is(err, engine.ErrNotFound):
	default:
		resp.Err = fmt.Errorf("cache lookup: %w", err)
		return resp
	}

	l.populate(ctx, logger, req, resp)
	return resp
}

// serveHit completes the request from a cached entry. Returns false if
// the payload could not be read back, in which case the caller falls
// through to a fresh populate.
func (l *Loader) serveHit(logger *slog.Logger, req Request, entry *engine.Entry, resp *Response) bool {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		logger.Warn("cached payload unreadable, repopulating", "error", err)
		return false
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		logger.Warn("cached payload undecodable, repopulating", "error", err)
		return false
	}

	tres := transform.Apply(img, req.Transformations, entry.Applied)

	resp.Image = tres.Image
	resp.ContentType = "image/" + format
	resp.Applied = tres.Applied
	resp.AlreadyApplied = tres.Skipped
	resp.FromCache = true

	logger.Debug("served from cache",
		"applied", len(tres.Applied),
		"skipped", len(tres.Skipped),
	)
	return true
}

// populate fetches, transforms, and persists per the save strategy. Any
// failure resolves the request with no result and leaves the cache
// untouched.
func (l *Loader) populate(ctx context.Context, logger *slog.Logger, req Request, resp *Response) {
	start := time.Now()
	fres, err := l.fetcher.Fetch(ctx, req.Key)
	if err != nil {
		telemetry.RecordFetch(ctx, time.Since(start), "error")
		logger.Warn("fetch failed", "error", err)
		resp.Err = fmt.Errorf("fetching %s: %w", req.Key, err)
		return
	}
	telemetry.RecordFetch(ctx, time.Since(start), "success")

	img, _, err := image.Decode(bytes.NewReader(fres.Data))
	if err != nil {
		logger.Warn("fetched payload is not a decodable image", "error", err)
		resp.Err = fmt.Errorf("decoding image: %w", err)
		return
	}

	tres := transform.Apply(img, req.Transformations, nil)

	switch req.Save {
	case SaveTransformed:
		encoded, eerr := encodeImage(tres.Image, fres.ContentType)
		if eerr != nil {
			resp.Err = eerr
			return
		}
		err = l.engine.Store(ctx, req.Key, encoded, tres.Applied)
	default:
		err = l.engine.Store(ctx, req.Key, fres.Data, nil)
	}
	if err != nil {
		logger.Warn("failed to persist payload", "error", err)
		resp.Err = fmt.Errorf("storing %s: %w", req.Key, err)
		return
	}

	resp.Image = tres.Image
	resp.ContentType = fres.ContentType
	resp.Applied = tres.Applied

	logger.Debug("populated cache",
		"bytes", len(fres.Data),
		"save", req.Save,
		"applied", len(tres.Applied),
	)
}

// encodeImage serializes a bitmap using the codec matching the original
// content type.
func encodeImage(img image.Image, contentType string) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch contentType {
	case "image/png":
		err = png.Encode(&buf, img)
	case "image/jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "image/gif":
		err = gif.Encode(&buf, img, nil)
	default:
		return nil, fmt.Errorf("no encoder for content type %q", contentType)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", contentType, err)
	}
	return buf.Bytes(), nil
}
