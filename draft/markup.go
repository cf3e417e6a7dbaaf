package draft

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ignoredTags hold content that is never translated.
var ignoredTags = map[string]bool{
	"script":   true,
	"style":    true,
	"code":     true,
	"pre":      true,
	"textarea": true,
	"noscript": true,
}

// hasMarkup reports whether a blurb value looks like an HTML fragment.
func hasMarkup(value string) bool {
	return strings.Contains(value, "<") && strings.Contains(value, ">")
}

// markup is a parsed HTML blurb whose text nodes can be swapped in place.
type markup struct {
	body  *goquery.Selection
	nodes []*html.Node
}

func parseMarkup(value string) (*markup, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(value))
	if err != nil {
		return nil, fmt.Errorf("parsing markup: %w", err)
	}

	m := &markup{body: doc.Find("body")}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if ignoredTags[strings.ToLower(n.Data)] {
				return
			}
			for _, attr := range n.Attr {
				if attr.Key == "data-no-translate" {
					return
				}
			}
		}

		if n.Type == html.TextNode && strings.TrimSpace(n.Data) != "" {
			m.nodes = append(m.nodes, n)
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	for _, n := range m.body.Nodes {
		walk(n)
	}
	return m, nil
}

// Texts returns the distinct trimmed text segments in document order.
func (m *markup) Texts() []string {
	seen := make(map[string]bool, len(m.nodes))
	var texts []string
	for _, n := range m.nodes {
		t := strings.TrimSpace(n.Data)
		if !seen[t] {
			seen[t] = true
			texts = append(texts, t)
		}
	}
	return texts
}

// Apply replaces each text segment found in translations and renders the fragment.
func (m *markup) Apply(translations map[string]string) (string, error) {
	for _, n := range m.nodes {
		if translated, ok := translations[strings.TrimSpace(n.Data)]; ok {
			n.Data = preserveWhitespace(n.Data, translated)
		}
	}

	out, err := m.body.Html()
	if err != nil {
		return "", fmt.Errorf("rendering markup: %w", err)
	}
	return out, nil
}

// preserveWhitespace keeps the original leading and trailing whitespace.
func preserveWhitespace(original, translated string) string {
	leadingLen := len(original) - len(strings.TrimLeft(original, " \t\n\r"))
	trailingLen := len(original) - len(strings.TrimRight(original, " \t\n\r"))
	if leadingLen == len(original) {
		return translated
	}
	return original[:leadingLen] + translated + original[len(original)-trailingLen:]
}
