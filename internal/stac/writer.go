package stac

import (
	"context"
	"fmt"
	"path"
)

// Putter stores a JSON document at a bucket-relative location. The artifact
// store satisfies this.
type Putter interface {
	PutJSON(ctx context.Context, key string, v interface{}) error
}

// WriteAggregateCatalogs splits links into pages of pageSize, writes them as
// a linked list of catalogs under prefix (catalog0.json, catalog1.json, …),
// and returns the location of the first page. Item hrefs are stored as
// given; they are expected to already be resolved.
func WriteAggregateCatalogs(ctx context.Context, put Putter, prefix, description string, links []Link, pageSize int) (string, error) {
	if pageSize <= 0 {
		return "", fmt.Errorf("catalog page size must be positive, got %d", pageSize)
	}
	pageCount := (len(links) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1 // always write catalog0.json, even when empty
	}

	for page := 0; page < pageCount; page++ {
		start := page * pageSize
		end := start + pageSize
		if end > len(links) {
			end = len(links)
		}

		cat := Catalog{
			Type:        "Catalog",
			StacVersion: Version,
			ID:          fmt.Sprintf("aggregate-page-%d", page),
			Description: description,
		}
		if page > 0 {
			cat.Links = append(cat.Links, Link{Rel: RelPrev, Href: "./" + CatalogFileName(page-1)})
		}
		for _, l := range links[start:end] {
			cat.Links = append(cat.Links, Link{Rel: RelItem, Href: l.Href, Type: l.Type, Title: l.Title})
		}
		if page < pageCount-1 {
			cat.Links = append(cat.Links, Link{Rel: RelNext, Href: "./" + CatalogFileName(page+1)})
		}

		location := path.Join(prefix, CatalogFileName(page))
		if err := put.PutJSON(ctx, location, cat); err != nil {
			return "", fmt.Errorf("failed to write aggregate catalog %s: %w", location, err)
		}
	}

	return path.Join(prefix, CatalogFileName(0)), nil
}
