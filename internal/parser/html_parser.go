// Package parser pulls media URLs, links and text out of the HTML fragments
// adapters receive: product pages, listing pages and review bodies.
package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// HTMLParser extracts media, links and text relative to a base URL
type HTMLParser struct {
	baseURL        *url.URL
	allowedSchemes []string
}

// ParseResult contains what was found in one document
type ParseResult struct {
	Title  string
	Text   string   // visible text, whitespace collapsed
	Images []string // absolute, de-duplicated, in document order
	Videos []string
	Links  []Link
}

// Link represents a parsed anchor
type Link struct {
	URL        string
	AnchorText string
	IsExternal bool
}

// Media returns images followed by videos
func (r *ParseResult) Media() []string {
	out := make([]string, 0, len(r.Images)+len(r.Videos))
	out = append(out, r.Images...)
	return append(out, r.Videos...)
}

// NewHTMLParser creates a parser accepting http and https URLs
func NewHTMLParser(baseURL string) (*HTMLParser, error) {
	return NewHTMLParserWithSchemes(baseURL, []string{"https://", "http://"})
}

// NewHTMLParserWithSchemes creates a parser with custom allowed schemes
func NewHTMLParserWithSchemes(baseURL string, allowedSchemes []string) (*HTMLParser, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = []string{"https://", "http://"}
	}

	return &HTMLParser{
		baseURL:        parsedURL,
		allowedSchemes: allowedSchemes,
	}, nil
}

// ExtractMedia parses content against baseURL and returns its media URLs
func ExtractMedia(baseURL string, content []byte) ([]string, error) {
	p, err := NewHTMLParser(baseURL)
	if err != nil {
		return nil, err
	}
	result, err := p.Parse(content)
	if err != nil {
		return nil, err
	}
	return result.Media(), nil
}

type collector struct {
	result *ParseResult
	seen   map[string]bool
	text   []string
}

func (c *collector) add(list *[]string, u string) {
	if u == "" || c.seen[u] {
		return
	}
	c.seen[u] = true
	*list = append(*list, u)
}

// Parse walks the document. Images come from img src and the largest
// srcset candidate, picture sources and og:image; videos from video and
// source elements and og:video.
func (p *HTMLParser) Parse(content []byte) (*ParseResult, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	c := &collector{
		result: &ParseResult{Images: []string{}, Videos: []string{}, Links: []Link{}},
		seen:   make(map[string]bool),
	}
	p.traverse(doc, c, false)
	c.result.Text = strings.Join(strings.Fields(strings.Join(c.text, " ")), " ")
	return c.result, nil
}

func (p *HTMLParser) traverse(n *html.Node, c *collector, inVideo bool) {
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			c.text = append(c.text, text)
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript":
			return
		case "title":
			c.result.Title = strings.TrimSpace(p.extractText(n))
			return
		case "meta":
			p.parseMeta(n, c)
		case "img":
			p.parseImage(n, c)
		case "video":
			c.add(&c.result.Videos, p.resolveAttr(n, "src"))
			inVideo = true
		case "source":
			if inVideo {
				c.add(&c.result.Videos, p.resolveAttr(n, "src"))
			} else if best := p.bestSrcset(attr(n, "srcset")); best != "" {
				c.add(&c.result.Images, best)
			}
		case "a":
			p.parseAnchor(n, c)
		}
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		p.traverse(child, c, inVideo)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func (p *HTMLParser) resolveAttr(n *html.Node, key string) string {
	return p.resolveAllowed(attr(n, key))
}

// parseMeta picks up Open Graph media
func (p *HTMLParser) parseMeta(n *html.Node, c *collector) {
	property := strings.ToLower(attr(n, "property"))
	switch property {
	case "og:image", "og:image:url", "og:image:secure_url":
		c.add(&c.result.Images, p.resolveAttr(n, "content"))
	case "og:video", "og:video:url", "og:video:secure_url":
		c.add(&c.result.Videos, p.resolveAttr(n, "content"))
	}
}

func (p *HTMLParser) parseImage(n *html.Node, c *collector) {
	if best := p.bestSrcset(attr(n, "srcset")); best != "" {
		c.add(&c.result.Images, best)
		return
	}
	src := attr(n, "src")
	if src == "" || strings.HasPrefix(src, "data:") {
		src = attr(n, "data-src")
	}
	c.add(&c.result.Images, p.resolveAllowed(src))
}

// bestSrcset returns the candidate with the largest width or density
// descriptor. Candidates without a descriptor count as 1x.
func (p *HTMLParser) bestSrcset(srcset string) string {
	var best string
	var bestScore float64
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		score := 1.0
		if len(fields) > 1 {
			desc := fields[1]
			if v, err := strconv.ParseFloat(strings.TrimRight(desc, "wx"), 64); err == nil {
				score = v
			}
		}
		resolved := p.resolveAllowed(fields[0])
		if resolved != "" && (best == "" || score > bestScore) {
			best, bestScore = resolved, score
		}
	}
	return best
}

// parseAnchor extracts links from anchor tags
func (p *HTMLParser) parseAnchor(n *html.Node, c *collector) {
	href := attr(n, "href")
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return
	}

	absURL := p.resolveAllowed(href)
	if absURL == "" {
		return
	}

	parsedURL, err := url.Parse(absURL)
	if err != nil {
		return
	}

	c.result.Links = append(c.result.Links, Link{
		URL:        absURL,
		AnchorText: strings.TrimSpace(p.extractText(n)),
		IsExternal: parsedURL.Host != p.baseURL.Host,
	})
}

// resolveAllowed resolves href against the base URL and returns "" when the
// result is not an allowed scheme
func (p *HTMLParser) resolveAllowed(href string) string {
	if href == "" || !p.isAllowedScheme(href) {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := p.baseURL.ResolveReference(u).String()
	if !p.isAllowedScheme(resolved) {
		return ""
	}
	return resolved
}

// extractText recursively extracts text content from a node
func (p *HTMLParser) extractText(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}

	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if text := p.extractText(c); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// isAllowedScheme checks if the URL has an allowed scheme. Relative URLs
// are allowed; they inherit the base URL's scheme.
func (p *HTMLParser) isAllowedScheme(href string) bool {
	if strings.HasPrefix(href, "//") {
		return true
	}
	if strings.Contains(href, "://") {
		for _, scheme := range p.allowedSchemes {
			if strings.HasPrefix(href, scheme) {
				return true
			}
		}
		return false
	}

	// tel:, mailto:, data: and friends
	if strings.Contains(href, ":") && !strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "?") && !strings.HasPrefix(href, "#") {
		return false
	}
	return true
}
