// Package document defines the captured-document data model shared by the
// capture, cache, and cursor-context layers.
package document

import (
	"strings"
	"time"
)

// TokenType classifies a span within a rendered editor line.
type TokenType string

const (
	TokenKeyword        TokenType = "keyword"
	TokenPunctuation    TokenType = "punctuation"
	TokenString         TokenType = "string"
	TokenTypeName       TokenType = "typeName"
	TokenAttributeValue TokenType = "attributeValue"
	TokenLiteral        TokenType = "literal"
	TokenText           TokenType = "text"
	TokenLinebreak      TokenType = "linebreak"
)

// Token is a classified span of a line.
type Token struct {
	Type TokenType `json:"type"`
	Text string    `json:"text"`
}

// Line is one reconstructed document line.
type Line struct {
	Number  int     `json:"line_number"`
	RawText string  `json:"raw_text"`
	Tokens  []Token `json:"tokens,omitempty"`
}

// Content is an immutable snapshot of the document.
// RawText is always the newline-join of Lines[*].RawText when Lines is set.
type Content struct {
	RawText     string    `json:"raw_text"`
	LatexSource string    `json:"latex_source"`
	Lines       []Line    `json:"lines,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewContent builds a Content from plain text, one text token per line.
func NewContent(text string, ts time.Time) Content {
	raw := SplitLines(text)
	lines := make([]Line, len(raw))
	for i, l := range raw {
		lines[i] = Line{Number: i, RawText: l, Tokens: []Token{{Type: TokenText, Text: l}}}
	}
	return Content{RawText: text, LatexSource: text, Lines: lines, Timestamp: ts}
}

// FromLines builds a Content from structured lines, renumbering them.
func FromLines(lines []Line, ts time.Time) Content {
	out := make([]Line, len(lines))
	texts := make([]string, len(lines))
	for i, l := range lines {
		l.Number = i
		out[i] = l
		texts[i] = l.RawText
	}
	text := strings.Join(texts, "\n")
	return Content{RawText: text, LatexSource: text, Lines: out, Timestamp: ts}
}

// LineCount returns the number of lines in the snapshot.
func (c Content) LineCount() int {
	if c.Lines != nil {
		return len(c.Lines)
	}
	return len(SplitLines(c.RawText))
}

// Texts returns the raw text of every line.
func (c Content) Texts() []string {
	if c.Lines == nil {
		return SplitLines(c.RawText)
	}
	out := make([]string, len(c.Lines))
	for i, l := range c.Lines {
		out[i] = l.RawText
	}
	return out
}

// SplitLines splits on "\n". An empty document is one empty line.
func SplitLines(text string) []string {
	return strings.Split(text, "\n")
}

// LineTexts extracts the raw text of each line.
func LineTexts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.RawText
	}
	return out
}

// CursorPosition is a zero-based position in the reconstructed document.
type CursorPosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// LineRange is an inclusive line span.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// UpdateKind distinguishes full refreshes from line-range patches.
type UpdateKind string

const (
	UpdateFull    UpdateKind = "full"
	UpdatePartial UpdateKind = "partial"
)

// UpdateEvent describes one accepted cache mutation.
type UpdateEvent struct {
	Kind      UpdateKind `json:"type"`
	Version   int        `json:"version"`
	Timestamp time.Time  `json:"timestamp"`
	Content   *Content   `json:"content,omitempty"`
	Lines     []string   `json:"lines,omitempty"`
	Range     *LineRange `json:"line_range,omitempty"`
}

// CursorContext is a bounded window of lines around the cursor.
type CursorContext struct {
	Position    CursorPosition `json:"cursor_position"`
	LinesBefore []string       `json:"lines_before"`
	CurrentLine string         `json:"current_line"`
	LinesAfter  []string       `json:"lines_after"`
	Range       LineRange      `json:"full_range"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Window returns before, current, and after joined in document order.
func (c CursorContext) Window() []string {
	out := make([]string, 0, len(c.LinesBefore)+1+len(c.LinesAfter))
	out = append(out, c.LinesBefore...)
	out = append(out, c.CurrentLine)
	return append(out, c.LinesAfter...)
}
