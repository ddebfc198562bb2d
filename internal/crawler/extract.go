package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/IliaW/content-proof/internal/model"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	nonContentSelectors = "script, style, noscript, template, iframe, svg, nav, header, footer, aside, form"
	invisibleSelectors  = "script, style, noscript, template"
	defaultLanguage     = "en"
)

// readableSelectors are tried in order, the first non-empty match holds the readable text.
var readableSelectors = []string{"article", "main", "[role=main]", "body"}

// ExtractReadableText parses an html page. RawText is all visible text of the body, Text is the
// readable part with navigation and boilerplate removed. Both have whitespace collapsed.
// Links are absolute, normalized, unique http(s) urls in document order.
func ExtractReadableText(pageURL string, body []byte) (*model.Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	ex := &model.Extracted{
		Title:    extractTitle(doc, pageURL),
		Language: extractLanguage(doc),
		Links:    extractLinks(doc, base),
	}

	raw := doc.Find("body").First().Clone()
	raw.Find(invisibleSelectors).Remove()
	ex.RawText = collapse(nodeText(raw))

	doc.Find(nonContentSelectors).Remove()
	for _, sel := range readableSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		if text := collapse(nodeText(s)); text != "" {
			ex.Text = text
			break
		}
	}

	return ex, nil
}

// extractTitle prefers <title>, then og:title, then the page url.
func extractTitle(doc *goquery.Document, pageURL string) string {
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, exists := doc.Find("meta[property='og:title']").Attr("content"); exists {
		if t := collapse(ogTitle); t != "" {
			return t
		}
	}
	return pageURL
}

func extractLanguage(doc *goquery.Document) string {
	if lang, exists := doc.Find("html").Attr("lang"); exists {
		if lang = strings.ToLower(strings.TrimSpace(lang)); lang != "" {
			return lang
		}
	}
	return defaultLanguage
}

func extractLinks(doc *goquery.Document, base *url.URL) []string {
	if href, exists := doc.Find("base[href]").Attr("href"); exists {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	links := make([]string, 0)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		link, err := normalize(u)
		if err != nil {
			return
		}
		if _, ok := seen[link]; ok {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

var blockElements = map[string]struct{}{
	"address": {}, "article": {}, "aside": {}, "blockquote": {}, "br": {}, "dd": {}, "div": {}, "dl": {},
	"dt": {}, "fieldset": {}, "figcaption": {}, "figure": {}, "footer": {}, "form": {}, "h1": {}, "h2": {},
	"h3": {}, "h4": {}, "h5": {}, "h6": {}, "header": {}, "hr": {}, "li": {}, "main": {}, "nav": {}, "ol": {},
	"p": {}, "pre": {}, "section": {}, "table": {}, "td": {}, "th": {}, "tr": {}, "ul": {},
}

// nodeText is Selection.Text with a space at block boundaries so "<p>a</p><p>b</p>" reads "a b".
func nodeText(s *goquery.Selection) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if _, ok := blockElements[n.Data]; ok {
				sb.WriteByte(' ')
				defer sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
