package extract

import (
	"os"
	"path/filepath"
	"testing"

	"leafcap/internal/document"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisibleCM6Fixture(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "cm6_viewport.html"))
	require.NoError(t, err)

	lines, err := Visible(string(data))
	require.NoError(t, err)

	want := []string{
		`\documentclass{article}`,
		``,
		`\begin{document}`,
		`Hello $x^2$ world`,
		`% note`,
	}
	if diff := cmp.Diff(want, document.LineTexts(lines)); diff != "" {
		t.Errorf("line text mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, lines[1].Tokens, "a lone <br> is an empty line")
	assert.Equal(t, document.TokenKeyword, lines[2].Tokens[0].Type, "widget buffer is skipped")
	assert.Equal(t, document.TokenAttributeValue, lines[2].Tokens[2].Type)
	assert.Equal(t, document.TokenText, lines[4].Tokens[0].Type, "unmapped tok- class is text")
	for i, l := range lines {
		assert.Equal(t, i, l.Number)
	}
}

func TestNestedElementRecursesOneLevel(t *testing.T) {
	lines, err := Visible(`<div class="cm-content"><div class="cm-line">a<span class="x">b<span class="tok-keyword">c</span><em>lost</em></span></div></div>`)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "abc", lines[0].RawText)
	assert.Equal(t, []document.Token{
		{Type: document.TokenText, Text: "a"},
		{Type: document.TokenText, Text: "b"},
		{Type: document.TokenKeyword, Text: "c"},
	}, lines[0].Tokens)
}

func TestLinebreakToken(t *testing.T) {
	lines, err := Visible(`<div class="cm-line">x<br>y</div>`)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "x\ny", lines[0].RawText)
	assert.Equal(t, document.TokenLinebreak, lines[0].Tokens[1].Type)
}

func TestVisibleCM5(t *testing.T) {
	html := `<div class="CodeMirror-code">` +
		`<pre class=" CodeMirror-line " role="presentation"><span role="presentation"><span class="cm-tag">\section</span><span class="cm-bracket">{</span>Intro<span class="cm-bracket">}</span></span></pre>` +
		`<pre class=" CodeMirror-line " role="presentation"><span role="presentation"><span class="cm-number">42</span> apples</span></pre>` +
		`</div>`
	lines, err := Visible(html)
	require.NoError(t, err)
	assert.Equal(t, []string{`\section{Intro}`, `42 apples`}, document.LineTexts(lines))
	assert.Equal(t, document.TokenTypeName, lines[0].Tokens[0].Type)
	assert.Equal(t, document.TokenLiteral, lines[1].Tokens[0].Type)
}

func TestVisibleCM5UnmappedClassesKeepText(t *testing.T) {
	html := `<div class="CodeMirror-code">` +
		`<pre class=" CodeMirror-line " role="presentation"><span role="presentation">x = 1 <span class="cm-comment">% keep me</span></span></pre>` +
		`<pre class=" CodeMirror-line " role="presentation"><span role="presentation"><span class="cm-variable-2">\alpha</span> + <span class="cm-builtin cm-error">b</span></span></pre>` +
		`</div>`
	lines, err := Visible(html)
	require.NoError(t, err)
	assert.Equal(t, []string{`x = 1 % keep me`, `\alpha + b`}, document.LineTexts(lines))
	assert.Equal(t, []document.Token{
		{Type: document.TokenText, Text: "x = 1 "},
		{Type: document.TokenText, Text: "% keep me"},
	}, lines[0].Tokens)
	for _, l := range lines {
		var joined string
		for _, tok := range l.Tokens {
			joined += tok.Text
		}
		assert.Equal(t, l.RawText, joined)
	}
}

func TestVisibleIsDeterministic(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "cm6_viewport.html"))
	require.NoError(t, err)
	a, err := Visible(string(data))
	require.NoError(t, err)
	b, err := Visible(string(data))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVisibleNoLines(t *testing.T) {
	texts, err := VisibleTexts(`<div class="cm-content"></div>`)
	require.NoError(t, err)
	assert.Empty(t, texts)
}
