// Package feed implements content.Source over an RSS or Atom feed.
package feed

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/bissquit/blog-digest/internal/content"
)

const maxFeedSize = 10 << 20

// Source reads the whole feed as a single page.
type Source struct {
	url        string
	httpClient *http.Client
	parser     *gofeed.Parser
}

// NewSource creates a feed source for url.
func NewSource(url string, timeout time.Duration) (*Source, error) {
	if url == "" {
		return nil, errors.New("feed source: url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Source{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		parser:     gofeed.NewParser(),
	}, nil
}

// FetchPage returns every feed item. Feeds are not paginated so after is ignored.
func (s *Source) FetchPage(ctx context.Context, _ string) (*content.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	feed, err := s.parser.Parse(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	nodes := make([]*content.Node, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			nodes = append(nodes, nil)
			continue
		}
		nodes = append(nodes, toNode(item))
	}

	return &content.Page{Nodes: nodes}, nil
}

func toNode(item *gofeed.Item) *content.Node {
	n := &content.Node{
		Title:      strings.TrimSpace(item.Title),
		Excerpt:    plainText(cmp.Or(item.Description, item.Content)),
		AuthorName: authorName(item),
		Link:       item.Link,
	}

	switch {
	case item.PublishedParsed != nil:
		n.Date = item.PublishedParsed.UTC().Format(time.RFC3339)
	case item.UpdatedParsed != nil:
		n.Date = item.UpdatedParsed.UTC().Format(time.RFC3339)
	}

	return n
}

func authorName(item *gofeed.Item) string {
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if item.Author != nil {
		return strings.TrimSpace(item.Author.Name)
	}
	return ""
}

// plainText strips markup from an HTML fragment and collapses whitespace.
func plainText(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
