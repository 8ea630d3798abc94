package scraper

import (
	"bytes"
	"net/http"
	"strings"
)

// Promoter decides whether a statically fetched page needs a browser render.
type Promoter struct {
	// BodyLengthThreshold marks short, script-heavy bodies as shells.
	BodyLengthThreshold int
	// ScriptPercent is the script coverage that counts as heavy.
	ScriptPercent int
}

// NewPromoter returns a Promoter. A zero threshold defaults to 2048 bytes and
// a zero percent defaults to 25.
func NewPromoter(threshold, percent int) *Promoter {
	if threshold <= 0 {
		threshold = 2048
	}
	if percent <= 0 {
		percent = 25
	}
	return &Promoter{BodyLengthThreshold: threshold, ScriptPercent: percent}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldPromote reports whether page looks like a client-rendered shell.
// Pages that already carry JSON-LD product data are never promoted.
func (p *Promoter) ShouldPromote(page Page) bool {
	if page.Rendered || page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if bytes.Contains(body, []byte("application/ld+json")) {
		return false
	}
	if len(body) < p.BodyLengthThreshold && p.scriptHeavy(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (p *Promoter) scriptHeavy(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			next = contentStart + relEnd + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= p.ScriptPercent
}
