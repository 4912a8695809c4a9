package acquisition

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// blockAtoms end the current line when extracting visible text.
var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Tr: true, atom.Section: true,
	atom.Article: true, atom.Blockquote: true, atom.Pre: true,
}

// skippedAtoms contribute no visible text. The head element itself is
// walked so the title can be read; its script and style children are
// skipped like any others.
var skippedAtoms = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true,
	atom.Template: true,
}

// ExtractText returns the title and the visible text of an HTML page.
func ExtractText(body []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", string(body)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.DataAtom == atom.Title {
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if skippedAtoms[n.DataAtom] {
				return
			}
		case html.TextNode:
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteByte(' ')
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && blockAtoms[n.DataAtom] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	return title, strings.TrimSpace(sb.String())
}

// ExtractLinks returns the absolutized document links of a listing page
// and, when the page declares one, the URL of the next page. Links to
// other hosts and non-HTTP schemes are dropped.
func ExtractLinks(body []byte, base *url.URL) (links []string, next string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, ""
	}

	seen := make(map[string]bool)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.A || n.DataAtom == atom.Link) {
			href, rel := "", ""
			for _, attr := range n.Attr {
				switch attr.Key {
				case "href":
					href = attr.Val
				case "rel":
					rel = attr.Val
				}
			}

			if resolved := resolveLink(base, href); resolved != "" {
				if strings.EqualFold(rel, "next") {
					if next == "" {
						next = resolved
					}
				} else if n.DataAtom == atom.A && !seen[resolved] {
					seen[resolved] = true
					links = append(links, resolved)
				}
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return links, next
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if resolved.Host != base.Host {
		return ""
	}
	resolved.Fragment = ""

	target := resolved.String()
	if target == base.String() {
		return ""
	}
	return target
}
