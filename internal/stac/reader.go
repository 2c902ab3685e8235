package stac

import (
	"context"
	"fmt"
)

// Fetcher loads a JSON document by its bucket-relative location. The
// artifact store satisfies this.
type Fetcher interface {
	GetJSON(ctx context.Context, key string, v interface{}) error
}

// maxCatalogPages bounds catalog-chain walks against malformed next links.
const maxCatalogPages = 10000

// Reader walks paged catalog chains.
type Reader struct {
	fetch Fetcher
}

// NewReader wraps a fetcher.
func NewReader(fetch Fetcher) *Reader {
	return &Reader{fetch: fetch}
}

// ReadItemLinks collects every item link across the catalog chain rooted at
// location, hrefs resolved to bucket-relative locations.
func (r *Reader) ReadItemLinks(ctx context.Context, location string) ([]Link, error) {
	var out []Link
	visited := make(map[string]bool)
	for page := 0; location != ""; page++ {
		if page >= maxCatalogPages {
			return nil, fmt.Errorf("catalog chain at %s exceeds %d pages", location, maxCatalogPages)
		}
		if visited[location] {
			return nil, fmt.Errorf("catalog chain cycles back to %s", location)
		}
		visited[location] = true

		var cat Catalog
		if err := r.fetch.GetJSON(ctx, location, &cat); err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", location, err)
		}
		out = append(out, cat.ItemLinks(location)...)
		location = cat.NextLink(location)
	}
	return out, nil
}

// ReadItems loads every item document across the catalog chain rooted at
// location.
func (r *Reader) ReadItems(ctx context.Context, location string) ([]Item, error) {
	links, err := r.ReadItemLinks(ctx, location)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(links))
	for _, link := range links {
		var item Item
		if err := r.fetch.GetJSON(ctx, link.Href, &item); err != nil {
			return nil, fmt.Errorf("failed to read catalog item %s: %w", link.Href, err)
		}
		items = append(items, item)
	}
	return items, nil
}
