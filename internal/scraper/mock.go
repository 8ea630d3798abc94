package scraper

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

var (
	mockNames      = []string{"EKTORP", "POÄNG", "LACK", "BILLY", "FLINTAN", "HEMNES", "MALM", "KALLAX"}
	mockKinds      = []string{"Sofa", "Chair", "Table", "Bookcase"}
	mockCategories = []string{"Seating", "Tables", "Storage", "Decor"}
)

// MockFallback substitutes synthetic product data when the wrapped scraper
// fails because of its backend (browser, network, 5xx). Input failures such
// as unsupported URLs or pages without products are returned unchanged.
type MockFallback struct {
	inner   pipeline.Scraper
	enabled bool
	logger  *zap.Logger
}

// NewMockFallback wraps inner. When enabled is false the wrapper is a no-op.
func NewMockFallback(inner pipeline.Scraper, enabled bool, logger *zap.Logger) *MockFallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockFallback{inner: inner, enabled: enabled, logger: logger}
}

// Scrape implements pipeline.Scraper.
func (m *MockFallback) Scrape(ctx context.Context, rawURL string) (pipeline.ProductData, error) {
	data, err := m.inner.Scrape(ctx, rawURL)
	if err == nil {
		return data, nil
	}
	if !m.enabled || !pipeline.IsBackendFailure(err) || ctx.Err() != nil {
		return pipeline.ProductData{}, err
	}
	m.logger.Warn("scraper backend failed; substituting mock product",
		zap.String("url", rawURL),
		zap.Error(err),
	)
	return MockProduct(rawURL), nil
}

// MockProduct returns deterministic synthetic data for rawURL.
func MockProduct(rawURL string) pipeline.ProductData {
	seed := seedFrom(rawURL)
	pick := func(n int, shift uint) int { return int((seed >> shift) % uint64(n)) }

	name := mockNames[pick(len(mockNames), 0)]
	kind := mockKinds[pick(len(mockKinds), 8)]
	imageCount := 2 + pick(3, 16)
	images := make([]string, 0, imageCount)
	for i := 1; i <= imageCount; i++ {
		images = append(images, fmt.Sprintf("https://placehold.co/800x800/png?text=%s+%d", name, i))
	}
	round := func(v float64) float64 { return math.Round(v*100) / 100 }
	frac := func(shift uint) float64 { return float64((seed>>shift)&0xff) / 255 }

	retailer := Detect(rawURL).Retailer
	brand := "IKEA"
	if retailer != "ikea" && retailer != UnknownRetailer {
		brand = strings.ToUpper(retailer[:1]) + retailer[1:]
	}
	return pipeline.ProductData{
		URL:      rawURL,
		Name:     fmt.Sprintf("%s %s", name, kind),
		Brand:    brand,
		Retailer: retailer,
		Category: mockCategories[pick(len(mockCategories), 24)],
		Price:    round(29.99 + frac(32)*570),
		Dimensions: pipeline.Dimensions{
			Width:  round(20 + frac(40)*70),
			Height: round(15 + frac(48)*65),
			Depth:  round(15 + frac(56)*25),
		},
		Images: images,
		Mock:   true,
	}
}

func seedFrom(rawURL string) uint64 {
	digest, _ := sha256.New().Hash([]byte(rawURL))
	raw, err := hex.DecodeString(digest[:16])
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}
