//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"leafcap/internal/bridge"
	"leafcap/internal/browser"
	"leafcap/internal/cache"
	"leafcap/internal/capture"
	"leafcap/internal/editor"
	"leafcap/internal/extract"
	"leafcap/internal/locator"

	"github.com/stretchr/testify/require"
)

func editorPage(lines int) string {
	var b strings.Builder
	b.WriteString(`<html><body>
<div class="cm-editor"><div class="cm-scroller" style="height:120px;overflow:auto">
<div class="cm-content">`)
	for i := 0; i < lines; i++ {
		fmt.Fprintf(&b, `<div class="cm-line" style="height:20px">line %d text</div>`, i)
	}
	b.WriteString(`</div></div></div>
<script>
window._ide = { editorManager: { getCurrentDocValue: () => "\\documentclass{article}\nfrom api" } };
</script>
</body></html>`)
	return b.String()
}

func TestTabAdapters_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintln(w, editorPage(50))
	}))
	defer ts.Close()

	cfg := browser.DefaultConfig()
	cfg.Headless = true
	cfg.NavigationTimeoutMs = 10000
	cfg.EventThrottleMs = 10
	cfg.SessionStore = t.TempDir() + "/sessions.json"
	cfg.EditorURLMatch = strings.TrimPrefix(ts.URL, "http://")

	sm := browser.NewSessionManager(cfg)
	var mutations atomic.Int32
	sm.OnMutation(func(string) { mutations.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	defer func() {
		if err := sm.Shutdown(context.Background()); err != nil {
			t.Logf("Shutdown error: %v", err)
		}
	}()

	require.NoError(t, sm.Start(ctx), "Failed to start browser")
	session, err := sm.OpenProject(ctx, ts.URL)
	require.NoError(t, err)
	page, ok := sm.Page(session.ID)
	require.True(t, ok)
	require.NoError(t, page.WaitLoad())

	tab := browser.NewTab(page, locator.Backoff{Attempts: 5, Interval: 200 * time.Millisecond})

	h, err := tab.Handles(ctx)
	require.NoError(t, err)
	require.Equal(t, locator.VariantCM6, h.Variant)
	require.Equal(t, ".cm-scroller", h.ScrollSelector)

	html, err := tab.HTML(ctx)
	require.NoError(t, err)
	lines, err := extract.VisibleTexts(html)
	require.NoError(t, err)
	require.Len(t, lines, 50)
	require.Equal(t, "line 49 text", lines[49])

	m, err := tab.Metrics(ctx)
	require.NoError(t, err)
	require.Greater(t, m.ScrollHeight, m.ClientHeight)
	require.NoError(t, tab.ScrollTo(ctx, 200))
	m, err = tab.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 200.0, m.ScrollTop)

	acc, err := editor.Detect(ctx, tab)
	require.NoError(t, err)
	require.Equal(t, editor.Overleaf, acc.Name())
	text, err := acc.FullText(ctx)
	require.NoError(t, err)
	require.Equal(t, "\\documentclass{article}\nfrom api", text)

	br := bridge.New(bridge.Options{MaxAttempts: 1, RetryInterval: 50 * time.Millisecond, PollInterval: time.Second})
	require.NoError(t, br.Install(ctx, tab))
	defer br.Close()
	require.Eventually(t, br.Found, 10*time.Second, 50*time.Millisecond)
	require.Equal(t, 0, br.EditorVersion())

	// A view that mounts after discovery gave up is still bound.
	_, err = page.Eval(`() => {
		const holder = document.createElement("div");
		holder.className = "cm-content late";
		const view = {
			state: { doc: { toString: () => "late view", lineAt: () => ({ number: 1, from: 0, text: "late view" }) }, selection: { main: { head: 0 } } },
			dispatch: () => {},
		};
		holder.cmView = { view };
		document.querySelector(".cm-content").replaceWith(holder);
	}`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return br.EditorVersion() == 6 }, 10*time.Second, 50*time.Millisecond)
	_, err = page.Eval(`() => {
		const content = document.createElement("div");
		content.className = "cm-content";
		for (let i = 0; i < 50; i++) {
			const d = document.createElement("div");
			d.className = "cm-line";
			d.style.height = "20px";
			d.textContent = "line " + i + " text";
			content.appendChild(d);
		}
		document.querySelector(".cm-content").replaceWith(content);
		document.querySelector(".cm-scroller").scrollTop = 200;
		window.__leafcap = undefined;
	}`)
	require.NoError(t, err)

	eng := capture.New(capture.Deps{Viewport: tab, Scroller: tab, Cache: cache.New(cache.DefaultOptions())}, capture.DefaultOptions())
	full := eng.Capture(ctx, true)
	require.Equal(t, capture.StrategyGeneric, eng.LastStrategy())
	require.Len(t, strings.Split(full, "\n"), 50)
	m, err = tab.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, 200.0, m.ScrollTop, "capture restores the scroll offset")

	_, err = page.Eval(`() => {
		const d = document.createElement("div");
		d.className = "cm-line";
		d.textContent = "appended";
		document.querySelector(".cm-content").appendChild(d);
	}`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mutations.Load() > 0 }, 10*time.Second, 50*time.Millisecond)

	found, err := sm.FindEditorTab(ctx)
	require.NoError(t, err)
	require.Equal(t, session.TargetID, found.TargetID)
	require.Len(t, sm.List(), 2)
}
