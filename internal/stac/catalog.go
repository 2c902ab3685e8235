// -----------------------------------------------------------------------
// STAC catalog and item documents exchanged with service workers
// -----------------------------------------------------------------------

package stac

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	Version = "1.0.0"

	RelItem   = "item"
	RelNext   = "next"
	RelPrev   = "prev"
	RelSelf   = "self"
	RelRoot   = "root"
	RelParent = "parent"

	RoleData = "data"
)

// Link is a STAC link object.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Asset is a STAC asset object.
type Asset struct {
	Href  string   `json:"href"`
	Title string   `json:"title,omitempty"`
	Type  string   `json:"type,omitempty"`
	Roles []string `json:"roles,omitempty"`

	// Size mirrors the file:size extension field when services supply it.
	Size int64 `json:"file:size,omitempty"`
}

// HasRole reports whether the asset carries the given role.
func (a Asset) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ItemProperties carries the subset of STAC item properties the
// orchestrator reads.
type ItemProperties struct {
	Datetime      string `json:"datetime,omitempty"`
	StartDatetime string `json:"start_datetime,omitempty"`
	EndDatetime   string `json:"end_datetime,omitempty"`
}

// Item is a STAC item (GeoJSON feature) document.
type Item struct {
	Type        string           `json:"type"`
	StacVersion string           `json:"stac_version"`
	ID          string           `json:"id"`
	BBox        []float64        `json:"bbox,omitempty"`
	Properties  ItemProperties   `json:"properties"`
	Assets      map[string]Asset `json:"assets"`
	Links       []Link           `json:"links,omitempty"`
}

// DataAssets returns the item's data-role assets, falling back to the
// conventional "data" key when no roles are set.
func (i Item) DataAssets() []Asset {
	var out []Asset
	for key, a := range i.Assets {
		if a.HasRole(RoleData) || (len(a.Roles) == 0 && key == RoleData) {
			out = append(out, a)
		}
	}
	return out
}

// TemporalRange parses the item's start/end datetimes. Returns ok=false
// when the item has no usable temporal extent.
func (i Item) TemporalRange() (start, end time.Time, ok bool) {
	s, e := i.Properties.StartDatetime, i.Properties.EndDatetime
	if s == "" && e == "" {
		if i.Properties.Datetime == "" {
			return time.Time{}, time.Time{}, false
		}
		s, e = i.Properties.Datetime, i.Properties.Datetime
	}
	start, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end, err = time.Parse(time.RFC3339, e)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// Catalog is a STAC catalog document: a list of item links plus optional
// next/prev paging links.
type Catalog struct {
	Type        string `json:"type"`
	StacVersion string `json:"stac_version"`
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Links       []Link `json:"links"`
}

// ItemLinks returns the catalog's item links with hrefs resolved against
// the catalog's own location.
func (c Catalog) ItemLinks(catalogLocation string) []Link {
	var out []Link
	for _, l := range c.Links {
		if l.Rel != RelItem {
			continue
		}
		l.Href = ResolveHref(catalogLocation, l.Href)
		out = append(out, l)
	}
	return out
}

// NextLink returns the resolved href of the catalog's next page, or "".
func (c Catalog) NextLink(catalogLocation string) string {
	for _, l := range c.Links {
		if l.Rel == RelNext {
			return ResolveHref(catalogLocation, l.Href)
		}
	}
	return ""
}

// ResolveHref resolves href relative to the document at base. Absolute
// hrefs (scheme-qualified or rooted) pass through unchanged.
func ResolveHref(base, href string) string {
	if href == "" {
		return href
	}
	if strings.Contains(href, "://") || strings.HasPrefix(href, "/") {
		return href
	}
	return path.Join(path.Dir(base), href)
}

// CatalogFileName names the nth page of a paged catalog chain.
func CatalogFileName(n int) string {
	return fmt.Sprintf("catalog%d.json", n)
}
