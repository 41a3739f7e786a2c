package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/nuimo-dfu/internal/ble"
	"github.com/chaz8081/nuimo-dfu/internal/config"
	"github.com/chaz8081/nuimo-dfu/internal/dfu"
	"github.com/chaz8081/nuimo-dfu/internal/firmware"
	"github.com/chaz8081/nuimo-dfu/internal/server"
	"github.com/chaz8081/nuimo-dfu/internal/tui"
	"github.com/chaz8081/nuimo-dfu/internal/workflow"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/nuimo-dfu/config.yaml)")
	firmwarePath := flag.String("firmware", "", "flash this firmware package instead of the latest release")
	catalogURL := flag.String("catalog", "", "firmware catalog URL")
	plain := flag.Bool("plain", false, "print progress lines instead of the interactive view")
	listen := flag.String("listen", "", "serve the status API on this address, e.g. 127.0.0.1:8080")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *firmwarePath != "" {
		cfg.Update.FirmwarePath = *firmwarePath
	}
	if *catalogURL != "" {
		cfg.Catalog.URL = *catalogURL
	}
	if *plain {
		cfg.UI.Mode = "plain"
	}
	if *listen != "" {
		cfg.Server.Addr = *listen
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if cfg.Update.FirmwarePath != "" {
		if _, err := os.Stat(cfg.Update.FirmwarePath); err != nil {
			log.Fatalf("firmware: %v", err)
		}
	}

	useTUI := cfg.UI.Mode == "tui"
	logOut := io.Writer(os.Stderr)
	if useTUI {
		// The view owns the terminal; logs go to a file.
		logPath := filepath.Join(os.TempDir(), "nuimo-dfu.log")
		f, err := tea.LogToFile(logPath, "")
		if err != nil {
			log.Fatalf("log file: %v", err)
		}
		defer f.Close()
		logOut = f
	} else {
		printBanner(cfg)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	// Components
	adapter := ble.NewNativeAdapter()
	registry := ble.NewRegistry(ble.NewAdapterScanner(adapter, cfg.Discovery.LostAfter))
	rebooter := ble.NewRebooter(adapter, ble.RebootOptions{ControlPointUUID: cfg.Discovery.ControlPointUUID})
	catalog := firmware.NewCatalog(cfg.Catalog.URL, nil)

	transport, err := dfu.NewCommandTransport(cfg.Flash.Command)
	if err != nil {
		log.Fatalf("flash: %v", err)
	}
	ctrlOpts := dfu.DefaultControllerOptions()
	ctrlOpts.MaxRetries = cfg.Update.MaxRetries
	controller := dfu.NewController(transport, dfu.NewDownloader(nil, cfg.Update.TempDir), ctrlOpts)

	// Views need the workflow's buttons and the workflow needs the views;
	// btn is bound once the workflow exists.
	btn := &buttons{}
	result := &outcome{}
	observers := workflow.Observers{result}

	var program *tea.Program
	if useTUI {
		program = tea.NewProgram(tui.NewModel(btn))
		observers = append(observers, tui.NewObserver(program))
	} else {
		observers = append(observers, tui.NewPlain(os.Stdout))
	}

	var srv *server.Server
	if cfg.Server.Addr != "" {
		srv = server.New(btn)
		observers = append(observers, srv)
	}

	wf := workflow.New(workflow.Deps{
		Catalog:   catalog,
		Discovery: registry,
		Device:    rebooter,
		Updater:   controller,
	}, observers, workflow.Options{
		Filter: ble.Filter{
			UpdateModeName: cfg.Discovery.UpdateModeName,
			DeviceName:     cfg.Discovery.DeviceName,
			ServiceUUID:    cfg.Discovery.ServiceUUID,
		},
		LocalImage:    cfg.Update.FirmwarePath,
		RebootTimeout: cfg.Discovery.RebootTimeout,
	})
	btn.wf = wf

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if srv != nil {
		go func() {
			if err := srv.Serve(ctx, cfg.Server.Addr); err != nil {
				slog.Error("[Server] stopped", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() { done <- wf.Run(ctx) }()
	wf.Load()

	if useTUI {
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			slog.Error("tui failed", "error", err)
			wf.Dismiss()
		}
	} else {
		log.Println("Press Enter to continue, q to cancel.")
		go readButtons(os.Stdin, wf)
	}

	if err := <-done; err != nil {
		log.Printf("Interrupted: %v", err)
		os.Exit(130)
	}
	if result.last == workflow.StepError {
		os.Exit(1)
	}
}

// buttons forwards view actions to the workflow.
type buttons struct {
	wf *workflow.Workflow
}

func (b *buttons) Confirm() { b.wf.Confirm() }
func (b *buttons) Dismiss() { b.wf.Dismiss() }

// outcome remembers the last step for the exit status. It is only written
// from the workflow's event loop and read after Run returns.
type outcome struct {
	last workflow.StepKind
}

func (o *outcome) StepChanged(step workflow.Step, _ workflow.Hints) { o.last = step.Kind }
func (o *outcome) StatusTextChanged(string)                         {}
func (o *outcome) ProgressChanged(float64)                          {}
func (o *outcome) Dismissed()                                       {}

// readButtons maps stdin lines to buttons: an empty line confirms, q
// cancels.
func readButtons(r io.Reader, wf *workflow.Workflow) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "":
			wf.Confirm()
		case "q", "quit", "cancel":
			wf.Dismiss()
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	source := cfg.Catalog.URL
	if cfg.Update.FirmwarePath != "" {
		source = cfg.Update.FirmwarePath
	}
	retries := "unlimited"
	if cfg.Update.MaxRetries > 0 {
		retries = fmt.Sprint(cfg.Update.MaxRetries)
	}
	fmt.Println("=== nuimo-dfu ===")
	fmt.Printf("  Firmware: %s\n", source)
	fmt.Printf("  Device:   %s / %s\n", cfg.Discovery.DeviceName, cfg.Discovery.UpdateModeName)
	fmt.Printf("  Flash:    %s\n", strings.Join(cfg.Flash.Command, " "))
	fmt.Printf("  Retries:  %s\n", retries)
	if cfg.Server.Addr != "" {
		fmt.Printf("  API:      http://%s/api/v1/status\n", cfg.Server.Addr)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
