package plans

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Page is the summary a request plan saves for each fetched document.
type Page struct {
	Title string
	Links []string
}

// ParsePage extracts the <title> and the absolute http(s) links of body.
// Links are resolved against base, stripped of fragments and deduplicated.
func ParsePage(base *url.URL, body string) (Page, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return Page{}, err
	}
	var p Page
	seen := map[string]bool{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if p.Title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					p.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "a":
				if link := resolveHref(base, attr(n, "href")); link != "" && !seen[link] {
					seen[link] = true
					p.Links = append(p.Links, link)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return p, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// SameHost keeps the links whose host matches base.
func SameHost(base *url.URL, links []string) []string {
	out := links[:0:0]
	for _, l := range links {
		u, err := url.Parse(l)
		if err == nil && strings.EqualFold(u.Host, base.Host) {
			out = append(out, l)
		}
	}
	return out
}
