package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
	Duration   time.Duration
}

// StaticFetcher performs single GETs through a colly collector.
type StaticFetcher struct {
	userAgent string
	timeout   time.Duration
	base      *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewStaticFetcher builds a StaticFetcher with a pooled transport.
func NewStaticFetcher(userAgent string, timeout time.Duration) *StaticFetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StaticFetcher{userAgent: userAgent, timeout: timeout, base: c}
}

// Fetch retrieves rawURL. Status and transport failures are classified for
// MockFallback: 404/410 and other 4xx are input failures; 429, 5xx and
// network errors are backend failures.
func (f *StaticFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	collector := f.base.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if f.userAgent != "" {
		collector.UserAgent = f.userAgent
	}
	collector.SetRequestTimeout(f.timeout)

	var (
		page     Page
		fetchErr error
	)
	start := time.Now()
	f.configureHooks(collector, start, &page, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Page{}, pipeline.BackendFailure("colly", fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fetchErr
		}
		if err != nil {
			return Page{}, classifyTransport(err)
		}
		return page, nil
	}
}

func (f *StaticFetcher) configureHooks(hooks collectorHooks, start time.Time, page *Page, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = classifyStatus(status, err)
	})
}

func classifyStatus(status int, err error) error {
	switch {
	case status == 0:
		return classifyTransport(err)
	case status == http.StatusTooManyRequests || status >= 500:
		return pipeline.BackendFailure("colly", pipeline.Transient(fmt.Errorf("HTTP %d: %w", status, err)))
	default:
		return pipeline.InputFailure("colly", fmt.Errorf("HTTP %d: %w", status, err))
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return pipeline.BackendFailure("colly", pipeline.Transient(err))
	}
	if errors.Is(err, colly.ErrMissingURL) || errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrForbiddenURL) {
		return pipeline.InputFailure("colly", err)
	}
	return pipeline.BackendFailure("colly", err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
