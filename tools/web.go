package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemcli/errors"
	"golang.org/x/net/html"
)

const (
	maxWebResults = 10
	maxURLBytes   = 60 * 1024
	webTimeout    = 30 * time.Second
	userAgent     = "Mozilla/5.0 (compatible; gemcli/1.0)"
)

// SearchWebTool queries DuckDuckGo's HTML endpoint and extracts the result
// links. No API key required, which keeps the tool usable out of the box.
type SearchWebTool struct {
	Client *http.Client
}

func (t *SearchWebTool) Name() string { return "search_web" }
func (t *SearchWebTool) Description() string {
	return "Searches the web and returns up to 10 result titles with URLs."
}

func (t *SearchWebTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "query", Type: TypeString, Description: "Search query", Required: true},
		},
	}
}

func (t *SearchWebTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := stringArg(args, "query")
	if strings.TrimSpace(query) == "" {
		return "", errors.WithKind(errors.KindInvalidArguments, "query is empty")
	}

	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	doc, err := t.fetch(ctx, endpoint)
	if err != nil {
		return "", err
	}

	results := extractSearchResults(doc)
	if len(results) == 0 {
		return "No results.", nil
	}
	if len(results) > maxWebResults {
		results = results[:maxWebResults]
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.title, r.href)
	}
	return b.String(), nil
}

func (t *SearchWebTool) fetch(ctx context.Context, endpoint string) (*html.Node, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: webTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "bad search request")
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "search request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("search returned HTTP %d", resp.StatusCode)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxURLBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse search results")
	}
	return doc, nil
}

type searchResult struct {
	title string
	href  string
}

// extractSearchResults pulls anchors with the result__a class out of the
// DuckDuckGo HTML page.
func extractSearchResults(doc *html.Node) []searchResult {
	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			href := attr(n, "href")
			title := strings.TrimSpace(nodeText(n))
			if href != "" && title != "" {
				results = append(results, searchResult{title: title, href: resolveDDGRedirect(href)})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

// resolveDDGRedirect unwraps //duckduckgo.com/l/?uddg=<real-url> links.
func resolveDDGRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if uddg := u.Query().Get("uddg"); uddg != "" {
		if real, err := url.QueryUnescape(uddg); err == nil {
			return real
		}
	}
	return href
}

// ReadURLTool fetches a page and reduces it to readable text.
type ReadURLTool struct {
	Client *http.Client
}

func (t *ReadURLTool) Name() string { return "read_url" }
func (t *ReadURLTool) Description() string {
	return "Fetches a URL and returns its visible text content."
}

func (t *ReadURLTool) Declaration() Declaration {
	return Declaration{
		Name:        t.Name(),
		Description: t.Description(),
		Params: []Param{
			{Name: "url", Type: TypeString, Description: "URL to fetch (http or https)", Required: true},
		},
	}
}

func (t *ReadURLTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rawURL, _ := stringArg(args, "url")
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.WithKind(errors.KindInvalidArguments, "'%s' is not an http(s) URL", rawURL)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: webTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrapf(err, "bad request for '%s'", rawURL)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch '%s'", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.New("'%s' returned HTTP %d", rawURL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxURLBytes)
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read '%s'", rawURL)
		}
		return truncateOutput(string(data)), nil
	}

	doc, err := html.Parse(body)
	if err != nil {
		return "", errors.Wrapf(err, "could not parse '%s'", rawURL)
	}
	return truncateOutput(htmlToText(doc)), nil
}

// htmlToText walks the DOM collecting visible text, skipping script and
// style subtrees, with block elements separated by newlines.
func htmlToText(doc *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// Collapse runs of blank lines left behind by nested block elements.
	lines := strings.Split(b.String(), "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
