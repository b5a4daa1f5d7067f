package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leafcap/internal/document"
	"leafcap/internal/extract"
)

var (
	asJSON     bool
	noManual   bool
	cursorWait time.Duration
	bridgeWait time.Duration
	visible    bool
	listenAddr string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture the full source of the open Overleaf document",
	Long: `Reconstructs the complete document by trying, in order: the editor API,
line-by-line scrolling through the editor, pixel scrolling of the scroll
container, and finally a manual copy from the clipboard.

Examples:
  leafcap capture > main.tex
  leafcap capture --visible
  leafcap capture --url https://www.overleaf.com/project/<id> --json`,
	Args: cobra.NoArgs,
	RunE: runCapture,
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the lines around the editor cursor",
	Args:  cobra.NoArgs,
	RunE:  runContext,
}

var extractCmd = &cobra.Command{
	Use:   "extract [file.html]",
	Short: "Extract editor lines from saved editor HTML (offline)",
	Long: `Runs the viewport extractor against an HTML file saved from the editor,
for example the outerHTML of .cm-content. No browser is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running leafcap serve",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runCapture(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	opts := appOptions{}
	if !noManual {
		opts.manual = manualPrompter()
	}
	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	var content document.Content
	if visible {
		if content, err = a.reader.ReadVisible(ctx); err != nil {
			return err
		}
	} else {
		content = a.captureDocument(ctx, bridgeWait)
	}
	logger.Info("Capture finished",
		zap.String("strategy", string(a.engine.LastStrategy())),
		zap.Int("lines", len(content.Lines)))
	if content.RawText == "" {
		return fmt.Errorf("capture produced no text")
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, content)
	}
	_, err = io.WriteString(out, content.RawText)
	if err == nil && !strings.HasSuffix(content.RawText, "\n") {
		_, err = io.WriteString(out, "\n")
	}
	return err
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.installBridge(ctx, cursorWait); err != nil {
		return err
	}
	if _, ok := a.bridge.Cursor(); !ok {
		logger.Info("No cursor report yet, move the cursor in the editor", zap.Duration("wait", cursorWait))
		waitForCursor(ctx, a, cursorWait)
	}

	cc, err := a.cursor.Capture(ctx, true)
	if err != nil {
		return err
	}
	if cc == nil {
		return fmt.Errorf("cursor capture already in progress")
	}
	return writeJSON(cmd.OutOrStdout(), cc)
}

func waitForCursor(ctx context.Context, a *app, wait time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, ok := a.bridge.Cursor(); ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func runExtract(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	lines, err := extract.Visible(string(data))
	if err != nil {
		return err
	}
	logger.Debug("Extracted lines", zap.String("file", args[0]), zap.Int("lines", len(lines)))

	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, lines)
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(out, l.RawText); err != nil {
			return err
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := listenAddr
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("leafcap serve is not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s", resp.Status)
	}

	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), st)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
