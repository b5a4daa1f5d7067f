package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/atotto/clipboard"
)

const manualInstructions = `Automatic capture failed.
Select all text in the Overleaf editor (Ctrl+A / Cmd+A) and copy it (Ctrl+C / Cmd+C),
then press Enter here to read the clipboard.
Alternatively paste the document below and finish with a line containing only ".".
`

// ClipboardPrompter is the terminal manual-capture fallback.
type ClipboardPrompter struct {
	In  io.Reader
	Out io.Writer
	// ReadClipboard defaults to the system clipboard.
	ReadClipboard func() (string, error)
}

// Prompt prints instructions and returns the clipboard or pasted text.
// A blank first line selects the clipboard.
func (p *ClipboardPrompter) Prompt(ctx context.Context) (string, error) {
	if p.In == nil {
		return "", errNoPrompter
	}
	if p.Out != nil {
		fmt.Fprint(p.Out, manualInstructions)
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := p.read()
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *ClipboardPrompter) read() (string, error) {
	sc := bufio.NewScanner(p.In)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}

	first := sc.Text()
	if strings.TrimSpace(first) == "" {
		read := p.ReadClipboard
		if read == nil {
			read = clipboard.ReadAll
		}
		text, err := read()
		if err != nil {
			return "", fmt.Errorf("read clipboard: %w", err)
		}
		if text == "" {
			return "", errors.New("clipboard is empty")
		}
		return strings.ReplaceAll(text, "\r\n", "\n"), nil
	}

	lines := []string{first}
	for sc.Scan() {
		if sc.Text() == "." {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
