package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reindeer/friedn-agent/internal/api"
	"github.com/reindeer/friedn-agent/internal/config"
	"github.com/reindeer/friedn-agent/internal/journal"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/reindeer/friedn-agent/internal/service"
	"github.com/reindeer/friedn-agent/internal/settings"
	"github.com/reindeer/friedn-agent/internal/tray"
	"github.com/reindeer/friedn-agent/internal/version"
	"github.com/reindeer/friedn-agent/internal/welcome"
	"github.com/spf13/pflag"
)

// cliOptions are the flags that are not part of config.Config.
type cliOptions struct {
	configPath string
	noTray     bool
	version    bool
	command    string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "friedn-agent: %v\n", err)
		return 2
	}

	if opts.version {
		printVersion()
		return 0
	}

	switch opts.command {
	case "", "serve":
		return serve(cfg, opts.noTray)
	case "provision":
		return provisionOnce(cfg)
	case "status":
		return printStatus(cfg)
	case "version":
		printVersion()
		return 0
	case "install":
		if err := service.New().Install(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install autostart: %v\n", err)
			return 1
		}
		fmt.Println("Autostart installed successfully")
		return 0
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove autostart: %v\n", err)
			return 1
		}
		fmt.Println("Autostart removed successfully")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", opts.command)
		return 2
	}
}

func newFlagSet(cfg *config.Config, opts *cliOptions, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("friedn-agent", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.configPath, "config", "", "Path of a YAML config file")
	fs.BoolVar(&opts.noTray, "no-tray", false, "Run without system tray (headless mode)")
	fs.BoolVar(&opts.version, "version", false, "Print version information and exit")
	cfg.BindFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(out, "friedn agent - writes the friedn record to an NFC tag\n\n")
		fmt.Fprintf(out, "Usage:\n")
		fmt.Fprintf(out, "  friedn-agent [flags] [command]\n\n")
		fmt.Fprintf(out, "Commands:\n")
		fmt.Fprintf(out, "  serve       Run the agent with its local API (default)\n")
		fmt.Fprintf(out, "  provision   Write a tag from the terminal and exit\n")
		fmt.Fprintf(out, "  status      Show whether a tag has been written\n")
		fmt.Fprintf(out, "  install     Start the agent at login\n")
		fmt.Fprintf(out, "  uninstall   Stop starting the agent at login\n")
		fmt.Fprintf(out, "  version     Print version information\n\n")
		fmt.Fprintf(out, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(out, "\nEnvironment variables:\n")
		fmt.Fprintf(out, "  FRIEDN_AGENT_CONFIG, FRIEDN_AGENT_HOST, FRIEDN_AGENT_PORT, FRIEDN_AGENT_READER,\n")
		fmt.Fprintf(out, "  FRIEDN_AGENT_STATE, FRIEDN_AGENT_JOURNAL, FRIEDN_AGENT_LOG_LEVEL\n")
	}
	return fs
}

// parseArgs resolves the configuration: defaults, then the config file, then
// environment, then flags. The flags are parsed twice because --config
// decides what the flags override.
func parseArgs(args []string, out io.Writer) (*config.Config, cliOptions, error) {
	var pre cliOptions
	scan := newFlagSet(config.Default(), &pre, io.Discard)
	scan.Usage = func() {}
	_ = scan.Parse(args)

	cfg, err := config.Load(pre.configPath)
	if err != nil {
		return nil, cliOptions{}, err
	}

	var opts cliOptions
	fs := newFlagSet(cfg, &opts, out)
	if err := fs.Parse(args); err != nil {
		return nil, cliOptions{}, err
	}
	if fs.NArg() > 1 {
		return nil, cliOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}
	opts.command = fs.Arg(0)

	if err := cfg.Validate(); err != nil {
		return nil, cliOptions{}, err
	}
	return cfg, opts, nil
}

func printVersion() {
	fmt.Printf("friedn-agent %s\n", version.Version)
	fmt.Printf("Build time: %s\n", version.BuildTime)
	fmt.Printf("Git commit: %s\n", version.GitCommit)
}

func initLogging(cfg *config.Config, echo io.Writer) {
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logging.Init(1000, level)
	logging.Get().SetOutput(echo)
}

func serve(cfg *config.Config, headless bool) int {
	initLogging(cfg, os.Stderr)
	logging.Info(logging.CatSystem, "friedn agent starting", map[string]any{
		"version": version.Version,
	})

	store := openSettings(cfg)
	if logging.InitSentry(version.Version, cfg.SentryDSN, store.CrashReporting()) {
		defer logging.FlushSentry(2 * time.Second)
	}

	a, err := newAgent(cfg, store)
	if err != nil {
		log.Printf("startup failed: %v", err)
		return 1
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := a.orch.Run(ctx); err != nil {
			logging.Error(logging.CatSystem, "Provisioning loop failed", map[string]any{
				"error": err.Error(),
			})
			cancel()
		}
	}()

	addr := cfg.Address()
	srv := api.NewServer(api.Options{
		Provisioner: a.orch,
		Readers:     a.radio,
		Settings:    store,
		JournalPath: cfg.JournalPath,
		Shutdown:    cancel,
	})
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTray := !headless && tray.IsSupported()
	var trayApp *tray.TrayApp
	if useTray {
		trayApp = tray.New(tray.Options{
			Addr:        addr,
			Version:     version.Version,
			Provisioner: a.orch,
			Readers:     a.radio,
			OnQuit:      cancel,
		})
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = httpServer.Shutdown(shutdownCtx)
		if trayApp != nil {
			trayApp.Quit()
		}
	}()

	startServer := func() {
		log.Printf("friedn-agent %s listening on http://%s\n", version.Version, addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatSystem, "Server failed", map[string]any{
				"error": err.Error(),
			})
			logging.CaptureError(err, "api.listen", map[string]interface{}{"address": addr})
			log.Printf("server error: %v", err)
			cancel()
		}
	}

	if useTray {
		log.Println("Starting with system tray...")
		go firstRun(store, a.orch, addr)

		// Blocks on the main thread until quit (required for macOS Cocoa)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}
		startServer()
	}

	cancel()
	<-a.orch.Done()
	return 0
}

// firstRun shows the welcome dialogs once, then offers to write a tag while
// none has been written.
func firstRun(store *settings.Store, orch *provision.Orchestrator, addr string) {
	defer logging.RecoverAndLog("first run", false)

	if !store.Get().WelcomeShown {
		welcome.ShowWelcome(addr)
		if welcome.PromptCrashReporting() {
			if err := store.SetCrashReporting(true); err != nil {
				logging.Warn(logging.CatSystem, "Failed to save crash reporting preference", map[string]any{
					"error": err.Error(),
				})
			}
		}
		if err := store.MarkWelcomeShown(); err != nil {
			logging.Warn(logging.CatSystem, "Failed to save first-run state", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if !orch.HasWrittenTag() && welcome.PromptProvision() {
		if _, err := orch.Begin(); err != nil {
			logging.Warn(logging.CatSystem, "Provision from first-run prompt failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

func provisionOnce(cfg *config.Config) int {
	initLogging(cfg, nil)

	store := openSettings(cfg)
	a, err := newAgent(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friedn-agent: %v\n", err)
		return 1
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go a.orch.Run(ctx)
	defer func() {
		cancel()
		<-a.orch.Done()
	}()

	return waitForTag(ctx, a.orch, os.Stdout)
}

// flow is the part of the orchestrator waitForTag drives.
type flow interface {
	Begin() (provision.Status, error)
	Cancel() (provision.Status, error)
	Subscribe() (<-chan provision.Status, func())
}

// waitForTag begins provisioning and blocks until the attempt ends or ctx is
// done. It returns the process exit code.
func waitForTag(ctx context.Context, f flow, out io.Writer) int {
	updates, unsubscribe := f.Subscribe()
	defer unsubscribe()

	st, err := f.Begin()
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return 1
	}
	switch st.Phase {
	case provision.PhaseSuccess:
		fmt.Fprintln(out, st.Message)
		return 0
	case provision.PhaseFailure:
		fmt.Fprintf(out, "Error: %s\n", st.Message)
		return 1
	}
	fmt.Fprintln(out, provision.MessageWaiting)

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				return 1
			}
			switch st.Phase {
			case provision.PhaseSuccess:
				fmt.Fprintf(out, "%s (tag %s)\n", st.Message, st.TagUID)
				return 0
			case provision.PhaseFailure:
				fmt.Fprintf(out, "Error: %s\n", st.Message)
				return 1
			}
		case <-ctx.Done():
			_, _ = f.Cancel()
			fmt.Fprintln(out, "Cancelled")
			return 1
		}
	}
}

func printStatus(cfg *config.Config) int {
	initLogging(cfg, nil)
	store := openSettings(cfg)

	written := "no"
	if store.HasWrittenTag() {
		written = "yes"
	}
	fmt.Printf("Tag written:    %s\n", written)
	fmt.Printf("Settings:       %s\n", store.Path())

	if autostart, err := service.New().Status(); err == nil {
		fmt.Printf("Autostart:      %s\n", autostart)
	}

	if cfg.JournalPath == "" {
		return 0
	}
	entries, err := journal.Last(cfg.JournalPath, 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		return 0
	}
	fmt.Println("\nRecent attempts:")
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-22s", e.Time.Local().Format(time.DateTime), e.Outcome)
		if e.TagUID != "" {
			line += "  tag " + e.TagUID
		}
		fmt.Println(line)
	}
	return 0
}
