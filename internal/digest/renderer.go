package digest

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/mail"
)

//go:embed templates/digest.html.tmpl
var templatesFS embed.FS

const (
	excerptLimit = 150
	dateLayout   = "January 2, 2006"
)

// Renderer renders the digest email. The output is the same for every
// recipient until mail.Merge substitutes the recipient placeholder.
type Renderer struct {
	listName string
	siteURL  string
	tmpl     *template.Template
	now      func() time.Time
}

type digestView struct {
	ListName        string
	SiteURL         string
	PreferencesURL  string
	UnsubscribeLink template.HTML
	Year            int
	Items           []domain.DigestItem
}

// NewRenderer parses the embedded template.
func NewRenderer(listName, siteURL string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"formatDate": formatDate,
		"truncate":   truncateExcerpt,
		"inc":        func(i int) int { return i + 1 },
	}

	tmpl, err := template.New("digest.html.tmpl").Funcs(funcMap).ParseFS(templatesFS, "templates/digest.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse digest template: %w", err)
	}

	return &Renderer{
		listName: listName,
		siteURL:  strings.TrimRight(siteURL, "/"),
		tmpl:     tmpl,
		now:      time.Now,
	}, nil
}

// Subject returns the digest subject line for n posts.
func (r *Renderer) Subject(n int) string {
	return fmt.Sprintf("%s - Weekly Digest (%d new posts)", r.listName, n)
}

// Render returns the subject and HTML body for items.
func (r *Renderer) Render(items []domain.DigestItem) (subject, body string, err error) {
	view := digestView{
		ListName:        r.listName,
		SiteURL:         r.siteURL,
		PreferencesURL:  r.siteURL + "/preferences",
		UnsubscribeLink: r.unsubscribeLink(),
		Year:            r.now().UTC().Year(),
		Items:           items,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render digest: %w", err)
	}

	return r.Subject(len(items)), buf.String(), nil
}

// unsubscribeLink is built outside the template because URL normalization
// in href attributes would percent-encode the merge placeholder.
func (r *Renderer) unsubscribeLink() template.HTML {
	href := html.EscapeString(r.siteURL) + "/api/newsletter/unsubscribe?email=" + mail.RecipientPlaceholder
	return template.HTML(`<a href="` + href + `" style="color: #0d9488; font-size: 13px; margin: 0 12px;">Unsubscribe</a>`)
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func truncateExcerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptLimit {
		return s
	}
	return string([]rune(s)[:excerptLimit]) + "..."
}
