package discovery

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// htmlLinks collects <link> elements from the head of an HTML document,
// resolving hrefs against base.
func htmlLinks(doc []byte, base *url.URL) []Link {
	var links []Link
	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			if t.Data == "body" {
				return links
			}
			if t.Data != "link" {
				continue
			}
			var l Link
			for _, a := range t.Attr {
				switch strings.ToLower(a.Key) {
				case "rel":
					l.Rel = strings.TrimSpace(a.Val)
				case "type":
					l.Type = strings.TrimSpace(a.Val)
				case "href":
					l.Href = resolve(base, strings.TrimSpace(a.Val))
				}
			}
			if l.Href == "" {
				continue
			}
			// rel may hold several space-separated relations
			for _, rel := range strings.Fields(l.Rel) {
				links = append(links, Link{Rel: rel, Type: l.Type, Href: l.Href})
			}
		}
	}
}

var linkHeaderPart = regexp.MustCompile(`<([^>]*)>\s*((?:;\s*[^;,]+)*)`)
var linkHeaderParam = regexp.MustCompile(`;\s*(\w+)\s*=\s*"?([^";]*)"?`)

// headerLinks parses RFC 8288 Link headers.
func headerLinks(values []string, base *url.URL) []Link {
	var links []Link
	for _, v := range values {
		for _, m := range linkHeaderPart.FindAllStringSubmatch(v, -1) {
			href := resolve(base, m[1])
			var rel, typ string
			for _, p := range linkHeaderParam.FindAllStringSubmatch(m[2], -1) {
				switch strings.ToLower(p[1]) {
				case "rel":
					rel = p[2]
				case "type":
					typ = p[2]
				}
			}
			for _, r := range strings.Fields(rel) {
				links = append(links, Link{Rel: r, Type: typ, Href: href})
			}
		}
	}
	return links
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
