package lifecycle

import (
	"bytes"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/soilsnap/edge/internal/router"
)

// DiscoverAssets returns the same-origin script, stylesheet, icon and image
// references of an HTML document as root-relative URIs, sorted and
// deduplicated. base is the absolute URL the document was served from.
// References the router would bypass are left out.
func DiscoverAssets(doc []byte, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return nil
	}
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			var ref string
			switch n.Data {
			case "script", "img":
				ref = attr(n, "src")
			case "link":
				ref = attr(n, "href")
			}
			if uri, ok := sameOrigin(baseURL, ref); ok && !bypassed(baseURL, uri) {
				seen[uri] = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	out := make([]string, 0, len(seen))
	for uri := range seen {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func sameOrigin(base *url.URL, ref string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "data:") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != base.Scheme || abs.Host != base.Host {
		return "", false
	}
	abs.Fragment = ""
	return abs.RequestURI(), true
}

func bypassed(base *url.URL, uri string) bool {
	req, err := http.NewRequest(http.MethodGet, base.Scheme+"://"+base.Host+uri, nil)
	if err != nil {
		return true
	}
	return router.Classify(req) == router.ClassBypass
}
