package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// Observer receives scrape outcomes and politeness delays.
type Observer interface {
	DelayObserver
	ObserveScrape(site string, result string)
}

// Config controls a Scraper.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Delay is the minimum spacing between requests to one host.
	Delay     time.Duration
	MaxImages int
	// PromotionThreshold feeds the shell heuristic; see NewPromoter.
	PromotionThreshold int
	// Detect overrides retailer detection. Defaults to Detect.
	Detect   func(string) Detection
	Observer Observer
	Logger   *zap.Logger
}

// Scraper implements pipeline.Scraper over a static fetcher and an optional
// headless renderer.
type Scraper struct {
	cfg      Config
	fetcher  *StaticFetcher
	renderer Renderer
	promoter *Promoter
	polite   *Politeness
	logger   *zap.Logger
}

// New builds a Scraper. renderer may be nil to disable promotion.
func New(cfg Config, renderer Renderer) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Detect == nil {
		cfg.Detect = Detect
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var delays DelayObserver
	if cfg.Observer != nil {
		delays = cfg.Observer
	}
	return &Scraper{
		cfg:      cfg,
		fetcher:  NewStaticFetcher(cfg.UserAgent, cfg.Timeout),
		renderer: renderer,
		promoter: NewPromoter(cfg.PromotionThreshold, 0),
		polite:   NewPoliteness(cfg.Delay, delays),
		logger:   logger,
	}
}

// Scrape fetches and extracts product data from rawURL.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (pipeline.ProductData, error) {
	detection := s.cfg.Detect(rawURL)
	if detection.Retailer == UnknownRetailer {
		return pipeline.ProductData{}, pipeline.InputFailure("scraper", fmt.Errorf("unsupported retailer for %s", rawURL))
	}
	if detection.Type != TypeProduct {
		return pipeline.ProductData{}, pipeline.InputFailure("scraper",
			fmt.Errorf("%s is a %s page, not a product page", rawURL, detection.Type))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := s.scrape(ctx, rawURL)
	s.observe(detection.Retailer, err)
	if err != nil {
		return pipeline.ProductData{}, err
	}
	if data.Retailer == UnknownRetailer || data.Retailer == "" {
		data.Retailer = detection.Retailer
	}
	return data, nil
}

func (s *Scraper) scrape(ctx context.Context, rawURL string) (pipeline.ProductData, error) {
	if err := s.polite.Wait(ctx, rawURL); err != nil {
		return pipeline.ProductData{}, err
	}
	page, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return pipeline.ProductData{}, err
	}
	if s.renderer != nil && s.promoter.ShouldPromote(page) {
		rendered, rerr := s.renderer.Render(ctx, rawURL)
		if rerr == nil {
			page = rendered
		} else {
			s.logger.Warn("headless render failed; using static body", zap.String("url", rawURL), zap.Error(rerr))
		}
	}
	data, err := Extract(page.URL, page.Body, s.cfg.MaxImages)
	if err != nil {
		if errors.Is(err, ErrNoProduct) {
			return pipeline.ProductData{}, pipeline.InputFailure("scraper", err)
		}
		return pipeline.ProductData{}, pipeline.InputFailure("scraper", fmt.Errorf("extract %s: %w", rawURL, err))
	}
	s.logger.Debug("product scraped",
		zap.String("url", rawURL),
		zap.String("name", data.Name),
		zap.Int("images", len(data.Images)),
		zap.Bool("rendered", page.Rendered),
		zap.Duration("fetch", page.Duration),
	)
	return data, nil
}

func (s *Scraper) observe(site string, err error) {
	if s.cfg.Observer == nil {
		return
	}
	result := "success"
	switch {
	case err == nil:
	case pipeline.IsInputFailure(err):
		result = "input_error"
	default:
		result = "backend_error"
	}
	s.cfg.Observer.ObserveScrape(site, result)
}
