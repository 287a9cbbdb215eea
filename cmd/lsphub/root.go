package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/lsphub/internal/config"
	"github.com/dshills/lsphub/internal/logging"
	"github.com/dshills/lsphub/internal/lsp"
	"github.com/dshills/lsphub/internal/watcher"
	"github.com/dshills/lsphub/internal/workspace"
)

var (
	flagConfig   string
	flagLogLevel string
	flagTimeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "lsphub",
	Short: "Multi-server LSP client",
	Long: `lsphub runs several language servers side by side and presents them as
one: a primary server for core features, analyzers for extra diagnostics,
and an optional dedicated formatter. Requests are routed by role and
diagnostics from all servers are merged per document.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default .lsphub.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().DurationVarP(&flagTimeout, "timeout", "t", 30*time.Second, "overall command timeout")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(fmtCmd)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logging.SetDefault(logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Prefix: "lsphub",
	}))
	return cfg, nil
}

// startManager builds and starts the manager, returning it with the
// resolved workspace.
func startManager(ctx context.Context, cfg config.Config, opts ...lsp.ManagerOption) (*lsp.Manager, *workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		root = workspace.DetectRoot(".")
	}
	ws, err := workspace.New(root)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := lsp.NewManager(cfg.ServerConfigs(), opts...)
	if err != nil {
		return nil, nil, err
	}

	if err := mgr.Start(ctx, ws.Folders()); err != nil {
		logging.Warn("some servers failed to start", "error", err)
	}
	return mgr, ws, nil
}

var checkCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Open files and print the merged diagnostics",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(flagTimeout)
		defer cancel()

		settled := make(chan struct{}, 1)
		mgr, ws, err := startManager(ctx, cfg, lsp.WithDiagnosticsHandler(
			func(uri lsp.DocumentURI, _ []lsp.Diagnostic) {
				select {
				case settled <- struct{}{}:
				default:
				}
			}))
		if err != nil {
			return err
		}
		defer mgr.Shutdown(context.Background())

		var w *watcher.Watcher
		if cfg.WatchFiles {
			w, err = watcher.New(ws.Root(), cfg.WatchDebounce.Std(), mgr.DidChangeWatchedFiles)
			if err != nil {
				return fmt.Errorf("start watcher: %w", err)
			}
			go w.Run(ctx)
			defer w.Close()
		}

		uris := make([]lsp.DocumentURI, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			uri := lsp.FilePathToURI(path)
			if err := mgr.OpenDocument(uri, lsp.DetectLanguageID(path), 1, string(data)); err != nil {
				return err
			}
			uris = append(uris, uri)
		}

		// Diagnostics are asynchronous; wait for the streams to go quiet.
		waitSettled(ctx, settled, 2*time.Second)

		total := 0
		for i, uri := range uris {
			diags := mgr.Diagnostics(uri)
			total += len(diags)
			printDiagnostics(displayPath(ws, args[i]), diags)
		}
		if total > 0 {
			return fmt.Errorf("%d problem(s)", total)
		}
		return nil
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List configured servers and their states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(flagTimeout)
		defer cancel()

		mgr, _, err := startManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown(context.Background())

		statuses := mgr.Servers()
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

		for _, st := range statuses {
			version := ""
			if st.Info != nil {
				version = st.Info.Version
			}
			fmt.Printf("%-20s %-10s %-12s langs=%v restarts=%d %s\n",
				st.Name, st.Role, st.State, st.Languages, st.Restarts, version)
		}
		return nil
	},
}

var fmtCmd = &cobra.Command{
	Use:   "fmt <file>",
	Short: "Format a file through the formatter-role server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(flagTimeout)
		defer cancel()

		mgr, _, err := startManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Shutdown(context.Background())

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		uri := lsp.FilePathToURI(path)
		if err := mgr.OpenDocument(uri, lsp.DetectLanguageID(path), 1, string(data)); err != nil {
			return err
		}

		edits, err := mgr.FormatDocument(ctx, uri, lsp.FormattingOptions{TabSize: 4, InsertSpaces: false})
		if err != nil {
			return err
		}
		fmt.Print(applyEdits(string(data), edits))
		return nil
	},
}

// displayPath shortens a path to workspace-relative form when possible.
func displayPath(ws *workspace.Workspace, path string) string {
	if rel, err := ws.RelativePath(path); err == nil {
		return rel
	}
	return path
}

// printDiagnostics writes one file's diagnostics in file:line:col form.
func printDiagnostics(path string, diags []lsp.Diagnostic) {
	for _, d := range diags {
		fmt.Printf("%s:%d:%d: %s: %s [%s]\n",
			path, d.Range.Start.Line+1, d.Range.Start.Character+1,
			d.Severity, d.Message, d.Source)
	}
}

// applyEdits applies text edits bottom-up so earlier edits do not shift
// later positions.
func applyEdits(text string, edits []lsp.TextEdit) string {
	sorted := make([]lsp.TextEdit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Range.Start, sorted[j].Range.Start
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})

	for _, e := range sorted {
		text = lsp.ApplyTextEdit(text, e)
	}
	return text
}

// waitSettled blocks until the diagnostics stream has been quiet for the
// given window, or the context ends.
func waitSettled(ctx context.Context, settled <-chan struct{}, quiet time.Duration) {
	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-settled:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quiet)
		case <-timer.C:
			return
		}
	}
}

// signalContext derives a context cancelled by SIGINT/SIGTERM or timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return sigCtx, func() {
		sigCancel()
		cancel()
	}
}
