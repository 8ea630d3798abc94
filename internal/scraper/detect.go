package scraper

import (
	"net/url"
	"regexp"
	"strings"
)

// URLType classifies what a retailer URL points at.
type URLType string

// URL types.
const (
	TypeProduct  URLType = "product"
	TypeCategory URLType = "category"
	TypeSearch   URLType = "search"
	TypeRoom     URLType = "room"
	TypeUnknown  URLType = "unknown"
)

// UnknownRetailer is reported for hosts outside the retailer table.
const UnknownRetailer = "unknown"

// Detection is the result of analyzing a URL.
type Detection struct {
	URL        string  `json:"url"`
	Retailer   string  `json:"retailer"`
	Type       URLType `json:"type"`
	Supported  bool    `json:"supported"`
	Confidence float64 `json:"confidence"`
}

type typePatterns struct {
	product  []*regexp.Regexp
	category []*regexp.Regexp
	search   []*regexp.Regexp
	room     []*regexp.Regexp
}

type retailer struct {
	name              string
	host              string
	productConfidence float64
	patterns          typePatterns
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

var defaultPatterns = typePatterns{
	product:  patterns(`/product/`, `/p/`, `/item/`),
	category: patterns(`/category/`, `/cat/`, `/collection/`),
	search:   patterns(`/search`, `/s\?`),
}

var retailers = []retailer{
	{name: "ikea", host: "ikea.com", productConfidence: 0.95, patterns: typePatterns{
		product:  patterns(`/p/`, `/products/`, `/item/`),
		category: patterns(`/cat/`, `/category/`),
		search:   patterns(`/search/`),
		room:     patterns(`/rooms/`),
	}},
	{name: "target", host: "target.com", productConfidence: 0.90, patterns: typePatterns{
		product:  patterns(`/p/`, `/product/`, `/-/A-\d+`),
		category: patterns(`/c/`, `/category/`),
		search:   patterns(`/s\?`, `/search`),
	}},
	{name: "wayfair", host: "wayfair.com", productConfidence: 0.90, patterns: typePatterns{
		product:  patterns(`/p/`, `/product/`, `/pdp/`),
		category: patterns(`/category/`, `/c/`),
		search:   patterns(`/s\?`, `/search`, `/keyword`),
	}},
	{name: "westelm", host: "westelm.com", productConfidence: 0.90, patterns: typePatterns{
		product:  patterns(`/products/`, `/p/`),
		category: patterns(`/category/`, `/shop/`),
		search:   patterns(`/search`, `/s\?`),
	}},
	{name: "cb2", host: "cb2.com", productConfidence: 0.90, patterns: defaultPatterns},
	{name: "urbanoutfitters", host: "urbanoutfitters.com", productConfidence: 0.90, patterns: typePatterns{
		product:  patterns(`/products/`, `/p/`),
		category: patterns(`/shop/`, `/category/`),
		search:   patterns(`/search`),
	}},
	{name: "homegoods", host: "homegoods.com", productConfidence: 0.85, patterns: defaultPatterns},
	{name: "worldmarket", host: "worldmarket.com", productConfidence: 0.85, patterns: defaultPatterns},
}

// Retailers lists the supported retailer names.
func Retailers() []string {
	out := make([]string, 0, len(retailers))
	for _, r := range retailers {
		out = append(out, r.name)
	}
	return out
}

// Detect identifies the retailer and page type of rawURL. A URL is supported
// when the retailer is known and the page type is recognized.
func Detect(rawURL string) Detection {
	d := Detection{URL: rawURL, Retailer: UnknownRetailer, Type: TypeUnknown}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return d
	}
	host := strings.ToLower(u.Hostname())
	target := u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	pats := defaultPatterns
	productConfidence := 0.0
	for _, r := range retailers {
		if host == r.host || strings.HasSuffix(host, "."+r.host) {
			d.Retailer = r.name
			pats = r.patterns
			productConfidence = r.productConfidence
			break
		}
	}
	if d.Retailer == UnknownRetailer {
		return d
	}

	switch {
	case matchAny(pats.product, target):
		d.Type = TypeProduct
		d.Confidence = productConfidence
	case matchAny(pats.category, target):
		d.Type = TypeCategory
		d.Confidence = 0.70
	case matchAny(pats.room, target):
		d.Type = TypeRoom
		d.Confidence = 0.70
	case matchAny(pats.search, target):
		d.Type = TypeSearch
		d.Confidence = 0.60
	}
	d.Supported = d.Type != TypeUnknown
	return d
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
