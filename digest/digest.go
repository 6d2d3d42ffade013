// Package digest renders a captured segment as a Markdown companion file:
// page metadata followed by one section per frozen entry.
package digest

import (
	"fmt"
	"log/slog"
	nurl "net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// Digester converts segment HTML into Markdown. It is safe for concurrent use.
type Digester struct {
	conv     *converter.Converter
	selector string
	now      func() time.Time
}

// New creates a Digester that emits one section per element matching
// entrySelector.
func New(entrySelector string) *Digester {
	return &Digester{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
		selector: entrySelector,
		now:      time.Now,
	}
}

// Metadata is what the digest header shows about the page.
type Metadata struct {
	Title    string
	SiteName string
	Language string
}

// Markdown renders pageHTML, captured from pageURL.
func (d *Digester) Markdown(pageHTML, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return "", fmt.Errorf("digest: parse: %w", err)
	}

	meta := ExtractMetadata(pageHTML, pageURL)
	if meta.Title == "" {
		meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	domain := ""
	if u, err := nurl.Parse(pageURL); err == nil {
		domain = u.Scheme + "://" + u.Host
	}

	var b strings.Builder
	title := meta.Title
	if title == "" {
		title = pageURL
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- source: <%s>\n", pageURL)
	if meta.SiteName != "" {
		fmt.Fprintf(&b, "- site: %s\n", meta.SiteName)
	}
	fmt.Fprintf(&b, "- captured: %s\n", d.now().UTC().Format(time.RFC3339))

	entries := doc.Find(d.selector)
	fmt.Fprintf(&b, "- entries: %d\n", entries.Length())

	var convErr error
	entries.Each(func(i int, s *goquery.Selection) {
		inner, err := goquery.OuterHtml(s)
		if err != nil {
			convErr = err
			return
		}
		md, err := d.conv.ConvertString(inner, converter.WithDomain(domain))
		if err != nil {
			convErr = err
			return
		}
		fmt.Fprintf(&b, "\n---\n\n## %d\n\n%s\n", i+1, strings.TrimSpace(md))
	})
	if convErr != nil {
		return "", fmt.Errorf("digest: convert: %w", convErr)
	}
	return b.String(), nil
}

// ExtractMetadata runs Readability over the page for its title, site name
// and language. Failures yield empty metadata; a digest never fails on it.
func ExtractMetadata(pageHTML, pageURL string) Metadata {
	parsedURL, err := nurl.Parse(pageURL)
	if err != nil {
		return Metadata{}
	}
	article, err := readability.FromReader(strings.NewReader(pageHTML), parsedURL)
	if err != nil {
		slog.Debug("digest: readability failed", "url", pageURL, "error", err)
		return Metadata{}
	}
	return Metadata{
		Title:    article.Title,
		SiteName: article.SiteName,
		Language: article.Language,
	}
}
