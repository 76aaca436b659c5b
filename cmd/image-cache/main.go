// Command image-cache is a CLI front-end for the image cache: fetch an
// image through the cache, inspect what is stored, or clear it out.
package main

import (
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/engine"
	"github.com/wolfeidau/image-cache/fetch"
	"github.com/wolfeidau/image-cache/loader"
	"github.com/wolfeidau/image-cache/telemetry"
	"github.com/wolfeidau/image-cache/transform"
)

var version = "dev"

var cli struct {
	Dir         string           `help:"Cache directory." default:"./cache" type:"path"`
	Budget      int64            `help:"Cache byte budget." default:"${budget}"`
	Debug       bool             `help:"Enable debug logging."`
	MetricsAddr string           `help:"Serve Prometheus metrics on this address (e.g. :9090)."`
	OTLP        string           `name:"otlp-endpoint" help:"Push OTLP metrics to this gRPC endpoint (e.g. localhost:4317)."`
	Version     kong.VersionFlag `help:"Print version and exit."`

	Get   GetCmd   `cmd:"" help:"Fetch an image URL through the cache and write it out."`
	Keys  KeysCmd  `cmd:"" help:"List cached keys."`
	Stats StatsCmd `cmd:"" help:"Show cache totals."`
	Clear ClearCmd `cmd:"" help:"Remove every cached entry."`
}

// Context carries the wired-up cache to subcommands.
type Context struct {
	ctx    context.Context
	engine *engine.Engine
	loader *loader.Loader
	logger *slog.Logger
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("Byte-budgeted disk cache for fetched and transformed images."),
		kong.Vars{
			"version": version,
			"budget":  fmt.Sprintf("%d", int64(100<<20)),
		},
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cli.MetricsAddr != "" || cli.OTLP != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:      "image-cache",
			ServiceVersion:   version,
			EnablePrometheus: cli.MetricsAddr != "",
			OTLPEndpoint:     cli.OTLP,
		})
		kctx.FatalIfErrorf(err)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		if cli.MetricsAddr != "" {
			go serveMetrics(cli.MetricsAddr, logger)
		}
	}

	eng, err := engine.New(engine.Config{
		Dir:         cli.Dir,
		BudgetBytes: cli.Budget,
		Logger:      logger,
	})
	kctx.FatalIfErrorf(err)
	defer eng.Close()

	l := loader.New(eng, fetch.NewHTTPFetcher(
		fetch.WithUserAgent("image-cache/"+version),
	), loader.WithLogger(logger))
	defer l.Close()

	err = kctx.Run(&Context{ctx: ctx, engine: eng, loader: l, logger: logger})
	kctx.FatalIfErrorf(err)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())

	logger.Info("serving metrics", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

// GetCmd fetches one image URL through the cache, applying any requested
// transformations, and writes the result as PNG.
type GetCmd struct {
	URL    string `arg:"" help:"Image URL to fetch."`
	Output string `short:"o" default:"out.png" help:"Output file." type:"path"`

	Crop   int  `help:"Center-crop to a square of this side length."`
	Resize int  `help:"Resize to a square of this side length."`
	Circle bool `help:"Mask to a circle."`

	SaveTransformed bool `help:"Store the transformed bytes instead of the original."`
}

// Run implements the get subcommand.
func (c *GetCmd) Run(cctx *Context) error {
	var ts []transform.Transformation
	if c.Crop > 0 {
		ts = append(ts, transform.CropSquare(c.Crop))
	}
	if c.Resize > 0 {
		ts = append(ts, transform.Resize(c.Resize))
	}
	if c.Circle {
		ts = append(ts, transform.CircleMask())
	}

	list, err := transform.NewList(ts...)
	if err != nil {
		return err
	}

	save := loader.SaveOriginal
	if c.SaveTransformed {
		save = loader.SaveTransformed
	}

	resp, err := cctx.loader.Do(cctx.ctx, loader.Request{
		Key:             imagecache.Key(c.URL),
		Transformations: list,
		Save:            save,
	})
	if err != nil {
		return err
	}

	out, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if err := png.Encode(out, resp.Image); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	cctx.logger.Info("image written",
		"output", c.Output,
		"from_cache", resp.FromCache,
		"applied", len(resp.Applied),
		"already_applied", len(resp.AlreadyApplied),
	)
	return nil
}

// KeysCmd lists the cached keys.
type KeysCmd struct{}

// Run implements the keys subcommand.
func (c *KeysCmd) Run(cctx *Context) error {
	keys, err := cctx.engine.Keys(cctx.ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		fmt.Println(key)
	}
	return nil
}

// StatsCmd prints the cache totals.
type StatsCmd struct{}

// Run implements the stats subcommand.
func (c *StatsCmd) Run(cctx *Context) error {
	size, err := cctx.engine.Size(cctx.ctx)
	if err != nil {
		return err
	}
	n, err := cctx.engine.Len(cctx.ctx)
	if err != nil {
		return err
	}

	fmt.Printf("entries: %d\n", n)
	fmt.Printf("bytes:   %d\n", size)
	fmt.Printf("budget:  %d\n", cli.Budget)
	return nil
}

// ClearCmd removes every cached entry and the cache directory.
type ClearCmd struct{}

// Run implements the clear subcommand.
func (c *ClearCmd) Run(cctx *Context) error {
	if err := cctx.engine.Clear(cctx.ctx); err != nil {
		return err
	}
	cctx.logger.Info("cache cleared", "dir", cli.Dir)
	return nil
}
