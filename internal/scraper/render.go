package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Renderer produces the post-JavaScript DOM of a page.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
}

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// RendererConfig controls the headless browser.
type RendererConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Settle is how long to wait after the body is ready for late scripts.
	Settle time.Duration
}

// ChromedpRenderer renders pages with headless Chrome.
type ChromedpRenderer struct {
	cfg         RendererConfig
	sem         *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedpRenderer starts an exec allocator. Chrome itself launches lazily
// on the first Render call.
func NewChromedpRenderer(cfg RendererConfig) (*ChromedpRenderer, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrRendererDisabled
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromedpRenderer{
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallel)),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the browser allocator.
func (r *ChromedpRenderer) Close() {
	r.allocCancel()
}

// Render navigates to rawURL and returns the rendered HTML. Browser failures
// are backend failures.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL string) (Page, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Page{}, pipeline.BackendFailure("chromedp", fmt.Errorf("render slot wait: %w", err))
	}
	defer r.sem.Release(1)

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var docStatus atomic.Int64
	chromedp.ListenTarget(taskCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok &&
			resp.Type == network.ResourceTypeDocument && resp.Response != nil {
			docStatus.CompareAndSwap(0, resp.Response.Status)
		}
	})

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := network.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable network domain: %w", err)
			}
			if r.cfg.UserAgent != "" {
				if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
					return fmt.Errorf("set user-agent: %w", err)
				}
			}
			return nil
		}),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return Page{}, pipeline.BackendFailure("chromedp", fmt.Errorf("render %s: %w", rawURL, err))
	}
	status := int(docStatus.Load())
	if status == 0 {
		status = 200
	}
	if finalURL == "" {
		finalURL = rawURL
	}
	return Page{
		URL:        finalURL,
		StatusCode: status,
		Body:       []byte(html),
		Rendered:   true,
		Duration:   time.Since(start),
	}, nil
}
