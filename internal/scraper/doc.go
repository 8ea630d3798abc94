// Package scraper acquires product data from retailer pages.
//
// A page is fetched statically through colly. Pages that look like
// client-rendered shells are re-fetched through a headless Chrome renderer
// when one is configured. Extraction prefers schema.org JSON-LD, then Open
// Graph tags, then retailer-specific selectors. Failures are classified so
// that MockFallback can substitute synthetic data only when the backend,
// not the page, was at fault.
package scraper
