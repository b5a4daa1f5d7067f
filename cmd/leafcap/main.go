// Package main implements the leafcap CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"leafcap/internal/config"
	"leafcap/internal/logging"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "leafcap",
	Short: "leafcap - full-document capture for the Overleaf editor",
	Long: `leafcap attaches to a Chromium tab running the Overleaf editor and
rebuilds the complete LaTeX source of the open document, even though the
editor only renders the lines in view.

The document and the cursor context are cached in memory and can be served
to local UI clients over HTTP and WebSocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			if workspace, err = os.Getwd(); err != nil {
				return fmt.Errorf("resolve workspace: %w", err)
			}
		}
		if configPath == "" {
			configPath = config.DefaultPath(workspace)
		}
		if err := config.LoadDotEnv(workspace); err != nil {
			logger.Warn("Ignoring .env", zap.Error(err))
		}
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		if cfg.Browser.SessionStore != "" && !filepath.IsAbs(cfg.Browser.SessionStore) {
			cfg.Browser.SessionStore = filepath.Join(workspace, cfg.Browser.SessionStore)
		}
		if cfg.Browser.DebuggerURL == "" {
			if url, err := os.ReadFile(controlFile()); err == nil {
				cfg.Browser.DebuggerURL = string(url)
				logger.Debug("Using launched browser", zap.String("control_url", cfg.Browser.DebuggerURL))
			}
		}
		if err := logging.Initialize(workspace, cfg.Logging.Settings()); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// controlFile is where `browser launch` leaves the DevTools URL.
func controlFile() string {
	return filepath.Join(workspace, ".leafcap", "browser", "control.txt")
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.leafcap/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for one-shot commands")

	addTargetFlags(captureCmd)
	captureCmd.Flags().BoolVar(&asJSON, "json", false, "Print the Content as JSON")
	captureCmd.Flags().BoolVar(&noManual, "no-manual", false, "Fail instead of prompting for a manual copy")
	captureCmd.Flags().DurationVar(&bridgeWait, "wait", 3*time.Second, "How long to wait for the editor instance before capturing")
	captureCmd.Flags().BoolVar(&visible, "visible", false, "Print only the lines currently rendered in the viewport")

	addTargetFlags(contextCmd)
	contextCmd.Flags().DurationVar(&cursorWait, "wait", 3*time.Second, "How long to wait for a cursor report")

	addTargetFlags(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: server.listen from config)")

	extractCmd.Flags().BoolVar(&asJSON, "json", false, "Print lines with tokens as JSON")

	statusCmd.Flags().StringVar(&listenAddr, "listen", "", "Address of a running serve (default: server.listen from config)")

	browserCmd.AddCommand(browserLaunchCmd)

	rootCmd.AddCommand(
		captureCmd,
		contextCmd,
		serveCmd,
		extractCmd,
		statusCmd,
		browserCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
