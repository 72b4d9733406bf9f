// Package tina reads posts from the TinaCMS GraphQL content API.
package tina

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/blog-digest/internal/content"
	"github.com/codeGROOVE-dev/retry"
)

const postConnectionQuery = `query PostConnection($after: String, $first: Float) {
  postConnection(after: $after, first: $first) {
    pageInfo {
      hasNextPage
      endCursor
    }
    edges {
      node {
        title
        excerpt
        date
        draft
        author {
          ... on Author {
            name
          }
        }
        _sys {
          breadcrumbs
        }
      }
    }
  }
}`

// Config holds client configuration.
type Config struct {
	URL      string
	Token    string
	PageSize int
	Timeout  time.Duration
	Attempts uint
}

// Client implements content.Source against a Tina GraphQL endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new Tina client.
func NewClient(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("tina client: url is required")
	}
	if config.PageSize <= 0 {
		config.PageSize = 50
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Attempts == 0 {
		config.Attempts = 3
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		PostConnection *struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Edges []*struct {
				Node *postNode `json:"node"`
			} `json:"edges"`
		} `json:"postConnection"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type postNode struct {
	Title   string          `json:"title"`
	Excerpt json.RawMessage `json:"excerpt"`
	Date    string          `json:"date"`
	Draft   bool            `json:"draft"`
	Author  *struct {
		Name string `json:"name"`
	} `json:"author"`
	Sys struct {
		Breadcrumbs []string `json:"breadcrumbs"`
	} `json:"_sys"`
}

// FetchPage fetches one page of the post connection, retrying transient failures.
func (c *Client) FetchPage(ctx context.Context, after string) (*content.Page, error) {
	vars := map[string]any{"first": c.config.PageSize}
	if after != "" {
		vars["after"] = after
	}

	body, err := json.Marshal(graphQLRequest{Query: postConnectionQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	var page *content.Page
	err = retry.Do(
		func() error {
			p, err := c.do(ctx, body)
			if err != nil {
				return err
			}
			page = p
			return nil
		},
		retry.Attempts(c.config.Attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("tina request failed, retrying", "attempt", n+1, "after", after, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch post connection: %w", err)
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*content.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("X-API-KEY", c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Unrecoverable(statusErr)
		}
		return nil, statusErr
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, retry.Unrecoverable(fmt.Errorf("graphql: %s", strings.Join(msgs, "; ")))
	}

	conn := gr.Data.PostConnection
	if conn == nil {
		return &content.Page{}, nil
	}

	page := &content.Page{
		Nodes:       make([]*content.Node, 0, len(conn.Edges)),
		HasNextPage: conn.PageInfo.HasNextPage,
		EndCursor:   conn.PageInfo.EndCursor,
	}
	for _, edge := range conn.Edges {
		if edge == nil || edge.Node == nil {
			page.Nodes = append(page.Nodes, nil)
			continue
		}
		page.Nodes = append(page.Nodes, edge.Node.toContent())
	}
	return page, nil
}

func (n *postNode) toContent() *content.Node {
	out := &content.Node{
		Title:       n.Title,
		Excerpt:     excerptText(n.Excerpt),
		Date:        n.Date,
		Draft:       n.Draft,
		Breadcrumbs: n.Sys.Breadcrumbs,
	}
	if n.Author != nil {
		out.AuthorName = n.Author.Name
	}
	return out
}
