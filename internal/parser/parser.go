// Package parser turns a product page into an ordered attribute set and a
// list of gallery asset URLs.
package parser

import (
	"bytes"
	"errors"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ErrNoSpecTable is returned when the page carries no specification table.
// Such a page is not a product page, so retrying it cannot help.
var ErrNoSpecTable = errors.New("specification table not found")

// Unknown is substituted for a missing brand.
const Unknown = "Unknown"

const (
	specTableSelector  = "table.specs.responsive"
	gallerySelector    = "div.gallery"
	galleryImgSelector = "img.gallery-image"
)

var specTableMatcher = cascadia.MustCompile(specTableSelector)

// Record is the parsed form of one product page. It is never mutated after
// Parse returns.
type Record struct {
	Attributes  *Attributes
	Assets      []string
	Brand       string
	ProductName string
}

// Attributes is an insertion-ordered string map.
type Attributes struct {
	keys   []string
	values map[string]string
}

// NewAttributes builds an attribute set from alternating key/value pairs.
func NewAttributes(pairs ...string) *Attributes {
	a := &Attributes{values: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		a.set(pairs[i], pairs[i+1])
	}
	return a
}

func (a *Attributes) set(key, value string) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Fold returns the first value whose key matches name case-insensitively.
func (a *Attributes) Fold(name string) (string, bool) {
	for _, k := range a.keys {
		if strings.EqualFold(k, name) {
			return a.values[k], true
		}
	}
	return "", false
}

// Keys returns attribute names in first-seen order.
func (a *Attributes) Keys() []string {
	out := make([]string, len(a.keys))
	copy(out, a.keys)
	return out
}

// Len is the number of distinct attribute names.
func (a *Attributes) Len() int {
	return len(a.keys)
}

// Map returns a copy of the attributes as a plain map.
func (a *Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// HasSpecTable reports whether body contains the specification table.
// It is cheaper than Parse and is used to classify fetch outcomes.
func HasSpecTable(body []byte) bool {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return cascadia.Query(doc, specTableMatcher) != nil
}

// Parse extracts a Record from an HTML body. Relative asset URLs are
// resolved against base.
func Parse(body []byte, base *url.URL) (*Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	table := doc.Find(specTableSelector).First()
	if table.Length() == 0 {
		return nil, ErrNoSpecTable
	}

	attrs := NewAttributes()
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() != 2 {
			return
		}
		label := strings.TrimSpace(cells.Eq(0).Text())
		if label == "" {
			return
		}
		attrs.set(label, strings.TrimSpace(cells.Eq(1).Text()))
	})

	rec := &Record{
		Attributes: attrs,
		Assets:     extractAssets(doc, base),
	}
	rec.Brand, rec.ProductName = deriveNames(attrs)
	return rec, nil
}

// deriveNames composes the product name as brand, model name and part
// number. The brand always leads, as Unknown when missing; the other two
// are left out when missing.
func deriveNames(attrs *Attributes) (brand, productName string) {
	brand = Unknown
	if v, ok := attrs.Fold("Brand"); ok && v != "" {
		brand = v
	}

	parts := []string{brand}
	for _, name := range []string{"Model Name", "Part Number"} {
		if v, ok := attrs.Fold(name); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return brand, strings.Join(parts, " ")
}

func extractAssets(doc *goquery.Document, base *url.URL) []string {
	assets := []string{}
	// Only the first gallery belongs to the product.
	doc.Find(gallerySelector).First().Find(galleryImgSelector).Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("data-src", ""))
		if src == "" {
			src = strings.TrimSpace(img.AttrOr("src", ""))
		}
		if src == "" {
			return
		}
		assets = append(assets, resolve(base, src))
	})
	return assets
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
