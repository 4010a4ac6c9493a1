package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// dropped holds elements whose subtree never contributes readable text.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// ReadableText parses HTML and returns the document title and its visible
// text, with block elements separated by blank lines. Unparseable input is
// returned as an empty title and whatever text the tokenizer salvages.
func ReadableText(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", salvageText(raw)
	}

	e := &extractor{}
	e.walk(doc, false)
	return strings.TrimSpace(e.title), tidy(e.body.String())
}

type extractor struct {
	title  string
	body   strings.Builder
	inHead bool
}

func (e *extractor) walk(n *html.Node, inHead bool) {
	switch n.Type {
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		switch n.DataAtom {
		case atom.Head:
			inHead = true
		case atom.Title:
			if e.title == "" {
				e.title = textOf(n)
			}
			return
		}
		if blockLevel(n.DataAtom) && e.body.Len() > 0 {
			e.body.WriteString("\n\n")
		}
	case html.TextNode:
		if !inHead {
			if t := strings.TrimSpace(n.Data); t != "" {
				e.body.WriteString(t)
				e.body.WriteByte(' ')
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.walk(c, inHead)
	}

	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Br, atom.Li, atom.Tr:
			e.body.WriteByte('\n')
		}
	}
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

func blockLevel(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Figure, atom.Figcaption, atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// tidy collapses intra-line whitespace and runs of blank lines.
func tidy(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// salvageText tokenizes malformed HTML and keeps only text tokens.
func salvageText(raw string) string {
	tok := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	for {
		if tok.Next() == html.ErrorToken {
			return tidy(b.String())
		}
		if t := tok.Token(); t.Type == html.TextToken {
			b.WriteString(t.Data)
			b.WriteByte(' ')
		}
	}
}
