package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"leafcap/internal/bridge"
	"leafcap/internal/config"
	"leafcap/internal/cursorctx"
	"leafcap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Track the editor and serve the document over HTTP and WebSocket",
	Long: `Attaches to the editor tab, installs the page bridge and keeps the
document cache and cursor context current while the user edits.

Endpoints:
  GET /document[?force=1]    full document
  GET /document/{version}    a retained snapshot
  GET /context[?force=1]     lines around the cursor
  GET /status                bridge and cache state
  GET /ws                    cache, document and context events`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	addr := listenAddr
	if addr == "" {
		addr = cfg.Server.Listen
	}

	tracker := cursorctx.NewTracker(a.cursor)
	unsub := a.bridge.Subscribe(func(msg bridge.Message) {
		switch m := msg.(type) {
		case bridge.Change:
			tracker.Activity()
			a.reader.HandleEditorChange()
		case bridge.CursorUpdate:
			tracker.CursorReport(m.Info.Cursor())
		case bridge.InstanceFound:
			logger.Info("Editor instance found", zap.Int("version", m.Version))
		}
	})
	defer unsub()

	if err := a.installBridge(ctx, 0); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Reader:  a.reader,
		Context: a.cursor,
		Cache:   a.cache,
		Status:  a.status,
	})

	watcher, err := config.NewWatcher(configPath, a.onReload)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, addr)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		tracker.Start(gctx)
		<-gctx.Done()
		tracker.Stop()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-a.mutations:
				a.reader.HandleEditorChange()
			}
		}
	})
	g.Go(func() error {
		content := a.reader.ReadDocument(gctx, false)
		logger.Info("Initial capture",
			zap.String("strategy", string(a.engine.LastStrategy())),
			zap.Int("lines", len(content.Lines)))
		return nil
	})

	logger.Info("Serving", zap.String("listen", addr))
	err = g.Wait()
	logger.Info("Stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
