// Package content reads recently published posts from the blog's content source.
package content

import (
	"context"
	"time"
)

// Node is a single post as exposed by a content source.
type Node struct {
	Title       string
	Excerpt     string
	Date        string
	Draft       bool
	AuthorName  string
	Breadcrumbs []string
	// Link is the absolute post URL when the source knows it.
	// When empty the URL is built from Breadcrumbs.
	Link string
}

// Page is one page of a cursor-paginated connection. Nodes may contain nil entries.
type Page struct {
	Nodes       []*Node
	HasNextPage bool
	EndCursor   string
}

// Source fetches one page of posts. after is empty for the first page.
type Source interface {
	FetchPage(ctx context.Context, after string) (*Page, error)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses the date formats content sources emit. Values without a zone are UTC.
func ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
