package scraper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

var (
	nameSelectors = []string{
		`h1[data-testid="product-title"]`,
		`h1.pip-header-section__title--big`,
		`h1.pip-header-section__title`,
		`h1`,
	}
	priceSelectors = []string{
		`span[data-testid="price-wrapper"]`,
		`.pip-price__integer`,
		`.pip-price`,
		`[data-testid="price"]`,
	}
	imageSelectors = []string{
		`img[data-testid*="image"]`,
		`img[src*="/images/products/"]`,
		`.pip-media-grid img`,
		`.pip-product-media img`,
		`[data-testid="product-media"] img`,
	}
	breadcrumbSelectors = []string{
		`nav[aria-label="Breadcrumbs"] ol li:nth-last-child(2) a`,
		`nav[aria-label="Breadcrumbs"] ol li:nth-last-child(3) a`,
		`nav ol li:nth-last-child(2) a`,
	}
	dimensionSelectors = []string{
		`[data-testid*="measurements"]`,
		`[data-testid*="dimensions"]`,
		`.pip-product-dimensions`,
		`.pip-measurements`,
	}

	priceDigits   = regexp.MustCompile(`[^\d.]`)
	ikeaSizeParam = regexp.MustCompile(`_s\d+\.`)
	dimensionLine = regexp.MustCompile(`(?i)(width|height|depth|length)\s*:?\s*(\d+\s+\d+/\d+|\d+/\d+|\d+(?:\.\d+)?)`)
)

// ErrNoProduct is wrapped when a page carries no recognizable product.
var ErrNoProduct = errors.New("no product data on page")

// Extract parses a product page. maxImages <= 0 keeps every image.
func Extract(pageURL string, body []byte, maxImages int) (pipeline.ProductData, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pipeline.ProductData{}, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	data := pipeline.ProductData{URL: pageURL, Retailer: Detect(pageURL).Retailer}
	ld := findJSONLDProduct(doc)
	data.Name = firstNonEmpty(ld.Name, metaContent(doc, "og:title"), firstText(doc, nameSelectors))
	data.Brand = firstNonEmpty(ld.brandName(), metaContent(doc, "product:brand"))
	if data.Brand == "" && data.Retailer == "ikea" {
		data.Brand = "IKEA"
	}
	data.Price = ld.price()
	if data.Price == 0 {
		data.Price = parsePrice(firstNonEmpty(metaContent(doc, "product:price:amount"), firstText(doc, priceSelectors)))
	}
	data.Category = firstNonEmpty(ld.Category, firstText(doc, breadcrumbSelectors))
	if data.Category == "" {
		data.Category = inferCategory(data.Name)
	}
	data.Dimensions = parseDimensions(firstText(doc, dimensionSelectors))

	var candidates []string
	candidates = append(candidates, ld.images()...)
	if og := metaContent(doc, "og:image"); og != "" {
		candidates = append(candidates, og)
	}
	for _, sel := range imageSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if src, ok := s.Attr("src"); ok {
				candidates = append(candidates, src)
			}
		})
	}
	data.Images = normalizeImages(base, candidates, maxImages)

	if data.Name == "" {
		return pipeline.ProductData{}, fmt.Errorf("%s: %w", pageURL, ErrNoProduct)
	}
	return data, nil
}

type jsonLDProduct struct {
	Type     any             `json:"@type"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Brand    json.RawMessage `json:"brand"`
	Image    json.RawMessage `json:"image"`
	Offers   json.RawMessage `json:"offers"`
}

func (p jsonLDProduct) isProduct() bool {
	switch t := p.Type.(type) {
	case string:
		return strings.EqualFold(t, "Product")
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.EqualFold(s, "Product") {
				return true
			}
		}
	}
	return false
}

func (p jsonLDProduct) brandName() string {
	if len(p.Brand) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(p.Brand, &name) == nil {
		return strings.TrimSpace(name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(p.Brand, &obj) == nil {
		return strings.TrimSpace(obj.Name)
	}
	return ""
}

func (p jsonLDProduct) images() []string {
	if len(p.Image) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(p.Image, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(p.Image, &many) == nil {
		return many
	}
	return nil
}

func (p jsonLDProduct) price() float64 {
	if len(p.Offers) == 0 {
		return 0
	}
	type offer struct {
		Price    any `json:"price"`
		LowPrice any `json:"lowPrice"`
	}
	var single offer
	if json.Unmarshal(p.Offers, &single) == nil {
		if v := anyPrice(single.Price); v > 0 {
			return v
		}
		return anyPrice(single.LowPrice)
	}
	var list []offer
	if json.Unmarshal(p.Offers, &list) == nil && len(list) > 0 {
		return anyPrice(list[0].Price)
	}
	return 0
}

func anyPrice(v any) float64 {
	switch p := v.(type) {
	case float64:
		return p
	case string:
		return parsePrice(p)
	}
	return 0
}

func findJSONLDProduct(doc *goquery.Document) jsonLDProduct {
	var found jsonLDProduct
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := []byte(strings.TrimSpace(s.Text()))
		var single jsonLDProduct
		if json.Unmarshal(raw, &single) == nil && single.isProduct() {
			found = single
			return false
		}
		var graph struct {
			Graph []jsonLDProduct `json:"@graph"`
		}
		if json.Unmarshal(raw, &graph) == nil {
			for _, node := range graph.Graph {
				if node.isProduct() {
					found = node
					return false
				}
			}
		}
		var list []jsonLDProduct
		if json.Unmarshal(raw, &list) == nil {
			for _, node := range list {
				if node.isProduct() {
					found = node
					return false
				}
			}
		}
		return true
	})
	return found
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		if lower == "products" || lower == "ikea" {
			continue
		}
		return strings.Join(strings.Fields(text), " ")
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parsePrice(text string) float64 {
	clean := priceDigits.ReplaceAllString(text, "")
	if clean == "" {
		return 0
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseMeasurement reads "85", "85.5", "85 3/4" and "3/4".
func parseMeasurement(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	var whole float64
	frac := text
	if fields := strings.Fields(text); len(fields) == 2 {
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0
		}
		whole, frac = w, fields[1]
	}
	if num, den, ok := strings.Cut(frac, "/"); ok {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN != nil || errD != nil || d == 0 {
			return 0
		}
		return whole + n/d
	}
	v, err := strconv.ParseFloat(frac, 64)
	if err != nil {
		return 0
	}
	return whole + v
}

func parseDimensions(text string) pipeline.Dimensions {
	var dims pipeline.Dimensions
	for _, m := range dimensionLine.FindAllStringSubmatch(text, -1) {
		v := parseMeasurement(m[2])
		switch strings.ToLower(m[1]) {
		case "width":
			dims.Width = v
		case "height":
			dims.Height = v
		case "depth", "length":
			if dims.Depth == 0 {
				dims.Depth = v
			}
		}
	}
	return dims
}

func inferCategory(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "chair"):
		return "Chairs"
	case strings.Contains(lower, "sofa"):
		return "Sofas"
	case strings.Contains(lower, "table"):
		return "Tables"
	case strings.Contains(lower, "bed"):
		return "Beds"
	default:
		return "Furniture"
	}
}

// normalizeImages resolves, upgrades, and deduplicates image URLs in order.
func normalizeImages(base *url.URL, candidates []string, limit int) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		if ref.Scheme != "http" && ref.Scheme != "https" {
			continue
		}
		abs := highRes(ref.String())
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// highRes rewrites IKEA product image URLs to the largest rendition.
func highRes(imgURL string) string {
	if !strings.Contains(imgURL, "/images/products/") || !ikeaSizeParam.MatchString(imgURL) {
		return imgURL
	}
	base, _, _ := strings.Cut(imgURL, "?")
	return ikeaSizeParam.ReplaceAllString(base, "_s5.") + "?f=xl"
}
