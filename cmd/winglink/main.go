// Winglink - WING console gateway
//
// Mirrors WING mixing console parameters to MQTT, Valkey and Kafka, applies
// writes coming back from those brokers, and serves a REST API with live
// event streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"winglink/api"
	"winglink/brokertest"
	"winglink/config"
	"winglink/engine"
	"winglink/logging"
	"winglink/ssh"
	"winglink/tui"
	"winglink/wing"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	noTUI       = flag.Bool("d", false, "Disable local TUI (headless mode)")
	noTUILong   = flag.Bool("no-tui", false, "Disable local TUI (headless mode)")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update admin API user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for admin API user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	schemaFile  = flag.String("schema", "", "Node directory file (overrides config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	sshPort     = flag.Int("ssh-port", 0, fmt.Sprintf("Serve the TUI over SSH on this port (0 disables, usual %d)", ssh.DefaultPort))
	sshHost     = flag.String("ssh-host", "", "SSH bind address (default all interfaces)")
	sshKeys     = flag.String("ssh-keys", "", "authorized_keys file or directory for SSH key auth")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log, optionally filtered: "+strings.Join(logging.KnownSubsystems(), ","))

	discoverOnly = flag.Bool("discover", false, "Scan the network for consoles, print them and exit")
	discoverMax  = flag.Int("discover-max", engine.DefaultDiscoverMax, "Maximum consoles to report with -discover")

	// Stress test flags
	testBrokers  = flag.Bool("stress-test-republishing", false, "Run stress tests for republishing and exit")
	testDuration = flag.Duration("test-duration", 10*time.Second, "Duration for each broker stress test")
	testNodes    = flag.Int("test-nodes", 100, "Number of simulated nodes per console for stress test")
	testConsoles = flag.Int("test-consoles", 4, "Number of simulated consoles for stress test")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("winglink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fatalf("Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)", *namespace)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fatalf("Error saving config: %v", err)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *schemaFile != "" {
		cfg.SchemaFile = *schemaFile
	}

	if *adminUser != "" && *adminPass != "" {
		hash, err := api.HashPassword(*adminPass)
		if err != nil {
			fatalf("Error hashing password: %v", err)
		}
		if existing := cfg.FindWebUser(*adminUser); existing != nil {
			existing.PasswordHash = hash
			existing.Role = config.RoleAdmin
		} else {
			cfg.AddWebUser(config.WebUser{
				Username:     *adminUser,
				PasswordHash: hash,
				Role:         config.RoleAdmin,
			})
		}
		if err := cfg.Save(*configPath); err != nil {
			fatalf("Error saving config: %v", err)
		}
		fmt.Printf("Admin user '%s' configured for the REST API\n", *adminUser)
	}

	if err := cfg.Validate(); err != nil {
		fatalf("Config error: %v", err)
	}

	if cfg.SchemaFile != "" {
		if err := wing.LoadDirectoryFile(cfg.SchemaFile); err != nil {
			fatalf("Error loading node directory: %v", err)
		}
	}

	if *discoverOnly {
		runDiscover(cfg, *discoverMax)
		return
	}

	if *testBrokers {
		runner := brokertest.NewRunner(cfg, brokertest.TestConfig{
			Duration:    *testDuration,
			NumNodes:    *testNodes,
			NumConsoles: *testConsoles,
		})
		for _, r := range runner.Run() {
			if !r.Success {
				os.Exit(1)
			}
		}
		return
	}

	run(cfg)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// runDiscover prints one discovery scan as a table.
func runDiscover(cfg *config.Config, max int) {
	eng := engine.New(engine.Config{AppConfig: cfg})

	timeout := cfg.Discovery.Timeout
	if timeout <= 0 {
		timeout = config.DefaultDiscoveryTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()

	fmt.Printf("Scanning for consoles (%s)...\n", timeout)
	records, err := eng.Discover(ctx, max, false)
	if err != nil {
		fatalf("Discovery failed: %v", err)
	}
	if len(records) == 0 {
		color.Yellow("No consoles found")
		return
	}

	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	known := color.New(color.FgGreen).SprintFunc()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
		header("IP"), header("NAME"), header("MODEL"), header("SERIAL"), header("FIRMWARE"), header("CONFIGURED"))
	for _, r := range records {
		configured := "-"
		if c := cfg.FindConsoleByAddress(r.IP); c != nil {
			configured = known(c.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.IP, r.Name, r.Model, r.Serial, r.Firmware, configured)
	}
	tw.Flush()
	color.Green("%d console(s) found", len(records))
}

// run starts the engine and API server, then hands over to the TUI or
// waits for a signal in headless mode.
func run(cfg *config.Config) {
	headless := *noTUI || *noTUILong

	// SSH sessions need the log store even when there is no local TUI.
	var logs *tui.LogStore
	if !headless || *sshPort > 0 {
		logs = tui.NewLogStore(1000)
	}
	// say reports startup progress on stdout or, in TUI mode, in the log view.
	say := func(format string, args ...interface{}) {
		if logs != nil {
			logs.Logf(format, args...)
		}
		if headless {
			fmt.Printf(format+"\n", args...)
		}
	}

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else if logs != nil {
			logs.SetFileLogger(fileLogger)
		}
	}

	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				say("Debug logging enabled (all subsystems) - writing to debug.log")
			} else {
				say("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}

	logFn := engine.LogFunc(func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), msg)
		if logs != nil {
			// The log store already mirrors to fileLogger.
			logs.Logf("%s", msg)
		} else if fileLogger != nil {
			fileLogger.Log("%s", msg)
		}
	})
	if !headless {
		logFn = logs.Logf
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	eng.Start()

	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(&cfg.Web, eng)
		if err := apiServer.Start(); err != nil {
			say("Warning: Failed to start API server on port %d: %v", cfg.Web.Port, err)
			say("Continuing without HTTP server.")
			apiServer = nil
		} else {
			say("REST API at %s/api/", apiServer.Address())
			if len(cfg.Web.Users) == 0 {
				say("Warning: no API users configured, authentication is off. Use --admin-user/--admin-pass.")
			}
		}
	}

	apiAddress := ""
	if apiServer != nil {
		apiAddress = apiServer.Address()
	}

	var sshServer *ssh.Server
	if *sshPort > 0 {
		sshServer = ssh.NewServer(ssh.Config{
			Host:           *sshHost,
			Port:           *sshPort,
			AuthorizedKeys: *sshKeys,
			HostKeyPath:    filepath.Join(filepath.Dir(*configPath), "ssh_host_key"),
		}, eng, logs)
		sshServer.SetAPIAddress(apiAddress)
		sshServer.SetOnSessionConnect(func(remote string) { logFn("SSH session opened from %s", remote) })
		sshServer.SetOnSessionDisconnect(func(remote string) { logFn("SSH session from %s closed", remote) })
		if err := sshServer.Start(); err != nil {
			say("Warning: Failed to start SSH server: %v", err)
			sshServer = nil
		} else {
			say("SSH TUI at %s", sshServer.Address())
		}
	}

	if headless {
		fmt.Printf("Mirroring %d console(s) under namespace '%s'. Press Ctrl+C to stop.\n", len(cfg.Consoles), cfg.Namespace)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
	} else {
		crashPath := filepath.Join(filepath.Dir(*configPath), "winglink-crash.log")
		if f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			defer f.Close()
		}

		app := tui.NewApp(eng, logs, apiAddress)
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	shutdownDone := make(chan struct{})
	go func() {
		if sshServer != nil {
			sshServer.Stop()
		}
		if apiServer != nil {
			apiServer.Stop()
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "Shutdown timed out")
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}
