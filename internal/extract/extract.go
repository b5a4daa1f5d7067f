// Package extract reconstructs the lines an editor has currently rendered
// from the editor root's HTML. Only materialized lines are present; off-screen
// lines of a virtualized editor are simply absent.
package extract

import (
	"fmt"
	"strings"

	"leafcap/internal/document"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// lineClasses mark a rendered line container across editor generations.
var lineClasses = []string{"cm-line", "CodeMirror-line", "ace_line"}

// fillerClasses mark layout elements that carry no document text.
var fillerClasses = []string{"cm-widgetBuffer", "ol-cm-filler", "CodeMirror-widget", "cm-gap"}

// tokenClasses maps highlighter classes to token types.
var tokenClasses = map[string]document.TokenType{
	"tok-keyword":        document.TokenKeyword,
	"tok-punctuation":    document.TokenPunctuation,
	"tok-string":         document.TokenString,
	"tok-typeName":       document.TokenTypeName,
	"tok-attributeValue": document.TokenAttributeValue,
	"tok-literal":        document.TokenLiteral,
	"cm-keyword":         document.TokenKeyword,
	"cm-bracket":         document.TokenPunctuation,
	"cm-string":          document.TokenString,
	"cm-tag":             document.TokenTypeName,
	"cm-attribute":       document.TokenAttributeValue,
	"cm-atom":            document.TokenLiteral,
	"cm-number":          document.TokenLiteral,
}

// Visible parses the editor root HTML and returns every rendered line in
// document order.
func Visible(rootHTML string) ([]document.Line, error) {
	root, err := html.Parse(strings.NewReader(rootHTML))
	if err != nil {
		return nil, fmt.Errorf("parse editor html: %w", err)
	}
	return Lines(root), nil
}

// VisibleTexts is Visible reduced to raw line text.
func VisibleTexts(rootHTML string) ([]string, error) {
	lines, err := Visible(rootHTML)
	if err != nil {
		return nil, err
	}
	return document.LineTexts(lines), nil
}

// Lines walks an already parsed tree.
func Lines(root *html.Node) []document.Line {
	var out []document.Line
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasAnyClass(n, lineClasses) {
			out = append(out, processLine(n, len(out)))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func processLine(el *html.Node, index int) document.Line {
	line := document.Line{Number: index}

	if only := el.FirstChild; only != nil && only.NextSibling == nil && isElement(only, atom.Br) {
		return line
	}

	var sb strings.Builder
	add := func(t document.Token) {
		line.Tokens = append(line.Tokens, t)
		sb.WriteString(t.Text)
	}

	for c := el.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if c.Data != "" {
				add(document.Token{Type: document.TokenText, Text: c.Data})
			}
		case html.ElementNode:
			if hasAnyClass(c, fillerClasses) {
				continue
			}
			if typ, ok := tokenType(c); ok {
				add(document.Token{Type: typ, Text: textContent(c)})
				continue
			}
			if c.DataAtom == atom.Br {
				add(document.Token{Type: document.TokenLinebreak, Text: "\n"})
				continue
			}
			for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
				switch {
				case gc.Type == html.TextNode:
					add(document.Token{Type: document.TokenText, Text: gc.Data})
				case gc.Type == html.ElementNode && !hasAnyClass(gc, fillerClasses):
					if typ, ok := tokenType(gc); ok {
						add(document.Token{Type: typ, Text: textContent(gc)})
					}
				}
			}
		}
	}

	line.RawText = sb.String()
	return line
}

// tokenType classifies a span. Unmapped tok-* and cm-* spans are plain
// text tokens.
func tokenType(n *html.Node) (document.TokenType, bool) {
	if n.DataAtom != atom.Span {
		return "", false
	}
	classes := classList(n)
	for _, c := range classes {
		if t, ok := tokenClasses[c]; ok {
			return t, true
		}
	}
	for _, c := range classes {
		if strings.HasPrefix(c, "tok-") || strings.HasPrefix(c, "cm-") {
			return document.TokenText, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && hasAnyClass(c, fillerClasses) {
			continue
		}
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func isElement(n *html.Node, a atom.Atom) bool {
	return n.Type == html.ElementNode && n.DataAtom == a
}

func classList(n *html.Node) []string {
	for _, a := range n.Attr {
		if a.Key == "class" {
			return strings.Fields(a.Val)
		}
	}
	return nil
}

func hasAnyClass(n *html.Node, want []string) bool {
	for _, c := range classList(n) {
		for _, w := range want {
			if c == w {
				return true
			}
		}
	}
	return false
}
