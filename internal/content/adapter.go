package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
)

const untitled = "Untitled"

// maxPages bounds paging against a source whose cursor never terminates.
const maxPages = 1000

var errCursorStuck = errors.New("content source returned the same cursor twice")

// Adapter turns a paginated Source into digest items.
type Adapter struct {
	source  Source
	siteURL string
}

// NewAdapter creates an adapter. siteURL is the public blog root used for post links.
func NewAdapter(source Source, siteURL string) *Adapter {
	return &Adapter{
		source:  source,
		siteURL: strings.TrimRight(siteURL, "/"),
	}
}

// RecentItems returns published posts dated at or after since, newest first.
//
// Any error while paging is logged and reported as an empty result: a digest
// run then skips for lack of content instead of failing.
func (a *Adapter) RecentItems(ctx context.Context, since time.Time) []domain.DigestItem {
	nodes, err := a.fetchAll(ctx)
	if err != nil {
		fetchFailures.Inc()
		slog.Error("failed to fetch posts, treating as none", "error", err)
		return []domain.DigestItem{}
	}

	items := make([]domain.DigestItem, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || n.Draft {
			continue
		}
		date, ok := ParseDate(n.Date)
		if !ok {
			slog.Debug("skipping post without usable date", "title", n.Title, "date", n.Date)
			continue
		}
		if date.Before(since) {
			continue
		}
		items = append(items, a.project(n, date))
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Date.After(items[j].Date)
	})

	return items
}

func (a *Adapter) fetchAll(ctx context.Context) ([]*Node, error) {
	var nodes []*Node
	after := ""

	for page := 1; page <= maxPages; page++ {
		p, err := a.source.FetchPage(ctx, after)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		pagesFetched.Inc()

		if len(p.Nodes) == 0 {
			return nodes, nil
		}
		nodes = append(nodes, p.Nodes...)

		if !p.HasNextPage {
			return nodes, nil
		}
		if p.EndCursor == "" || p.EndCursor == after {
			return nil, errCursorStuck
		}
		after = p.EndCursor
	}

	return nil, fmt.Errorf("content source exceeded %d pages", maxPages)
}

func (a *Adapter) project(n *Node, date time.Time) domain.DigestItem {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = untitled
	}

	url := n.Link
	if url == "" {
		url = a.siteURL + "/posts/" + strings.Join(n.Breadcrumbs, "/")
	}

	return domain.DigestItem{
		Title:   title,
		Excerpt: strings.TrimSpace(n.Excerpt),
		URL:     url,
		Date:    date,
		Author:  strings.TrimSpace(n.AuthorName),
	}
}
