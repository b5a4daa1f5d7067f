package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leafcap/internal/config"
	"leafcap/internal/document"
)

func newTestCommand(out *bytes.Buffer) *cobra.Command {
	c := &cobra.Command{}
	c.SetOut(out)
	c.SetContext(context.Background())
	return c
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"capture", "context", "serve", "extract", "status", "browser"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	launch, _, err := rootCmd.Find([]string{"browser", "launch"})
	require.NoError(t, err)
	assert.Equal(t, "launch", launch.Name())
	assert.NotNil(t, captureCmd.Flags().Lookup("url"))
	assert.NotNil(t, captureCmd.Flags().Lookup("wait"))
	assert.NotNil(t, captureCmd.Flags().Lookup("visible"))
	assert.NotNil(t, serveCmd.Flags().Lookup("listen"))
}

func TestRunExtract(t *testing.T) {
	logger = zap.NewNop()
	path := filepath.Join(t.TempDir(), "view.html")
	html := `<div class="cm-content"><div class="cm-line"><span class="tok-typeName">\section</span>{Intro}</div><div class="cm-line"><br></div><div class="cm-line">Body text</div></div>`
	require.NoError(t, os.WriteFile(path, []byte(html), 0o644))

	t.Run("text", func(t *testing.T) {
		asJSON = false
		var out bytes.Buffer
		require.NoError(t, runExtract(newTestCommand(&out), []string{path}))
		assert.Equal(t, "\\section{Intro}\n\nBody text\n", out.String())
	})

	t.Run("json", func(t *testing.T) {
		asJSON = true
		defer func() { asJSON = false }()
		var out bytes.Buffer
		require.NoError(t, runExtract(newTestCommand(&out), []string{path}))
		var lines []document.Line
		require.NoError(t, json.Unmarshal(out.Bytes(), &lines))
		require.Len(t, lines, 3)
		assert.Equal(t, "Body text", lines[2].RawText)
	})

	t.Run("missing file", func(t *testing.T) {
		var out bytes.Buffer
		err := runExtract(newTestCommand(&out), []string{filepath.Join(t.TempDir(), "absent.html")})
		require.Error(t, err)
	})
}

func TestRunStatus(t *testing.T) {
	logger = zap.NewNop()
	cfg = config.DefaultConfig()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"editor":"overleaf","bridge_found":true,"cache_version":4}`))
	}))
	defer ts.Close()

	listenAddr = strings.TrimPrefix(ts.URL, "http://")
	defer func() { listenAddr = "" }()

	var out bytes.Buffer
	require.NoError(t, runStatus(newTestCommand(&out), nil))
	assert.Contains(t, out.String(), `"editor": "overleaf"`)
	assert.Contains(t, out.String(), `"cache_version": 4`)
}

func TestRunStatusUnreachable(t *testing.T) {
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()

	listenAddr = addr
	defer func() { listenAddr = "" }()

	var out bytes.Buffer
	err := runStatus(newTestCommand(&out), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}
