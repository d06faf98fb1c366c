package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// boilerplate lists elements whose subtree never contributes readable
// text: scripts, styling, page chrome.
var boilerplate = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true, // title is pulled out separately
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
}

// ExtractReadable parses an HTML document and returns its title and
// body text with boilerplate removed. Input that fails to parse falls
// back to a flat tag strip. The mail gateway uses this too, for
// messages that carry only an HTML body.
func ExtractReadable(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", stripTags(raw)
	}

	var b strings.Builder
	collectText(doc, &b)
	return findTitle(doc), collapseWhitespace(b.String())
}

// collectText walks the DOM appending visible text. Block elements get
// paragraph breaks; br and li get line breaks.
func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode {
		if boilerplate[n.DataAtom] {
			return
		}
		if blockElement(n.DataAtom) && b.Len() > 0 {
			b.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			b.WriteString(t)
			b.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		b.WriteString("\n")
	}
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return strings.TrimSpace(textContent(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figure, atom.Figcaption,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// collapseWhitespace squeezes runs of spaces within lines and runs of
// blank lines down to one.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	prevBlank := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevBlank {
				continue
			}
			prevBlank = true
		} else {
			prevBlank = false
		}
		out = append(out, line)
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripTags drops markup with a tokenizer pass. Fallback for input the
// DOM parser rejects.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return collapseWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}
