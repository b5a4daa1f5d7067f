package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leafcap/internal/browser"
)

var browserCmd = &cobra.Command{
	Use:   "browser",
	Short: "Manage the Chromium instance leafcap drives",
}

var browserLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a browser that other leafcap commands attach to",
	Long: `Launches Chromium with remote debugging and records its DevTools URL in
<workspace>/.leafcap/browser/control.txt. Other commands use that URL when
browser.debugger_url is not set. Log in to Overleaf in the launched window.`,
	Args: cobra.NoArgs,
	RunE: browserLaunch,
}

func browserLaunch(cmd *cobra.Command, args []string) error {
	bcfg := cfg.Browser
	bcfg.DebuggerURL = ""
	bcfg.KeepAlive = false
	if bcfg.UserDataDir == "" {
		// A dedicated profile keeps the Overleaf login between launches.
		bcfg.UserDataDir = filepath.Join(workspace, ".leafcap", "browser", "profile")
	}

	logger.Info("Launching browser", zap.String("profile", bcfg.UserDataDir))
	mgr := browser.NewSessionManager(bcfg)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}

	path := controlFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("Cannot create control directory", zap.Error(err))
	} else if err := os.WriteFile(path, []byte(mgr.ControlURL()), 0o644); err != nil {
		logger.Warn("Cannot write control file", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Browser launched. Control URL: %s\n", mgr.ControlURL())
	fmt.Fprintln(out, "Press Ctrl+C to shutdown")

	<-ctx.Done()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Cannot remove control file", zap.Error(err))
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		logger.Warn("Browser shutdown", zap.Error(err))
	}
	return nil
}
