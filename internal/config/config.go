package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ahrdadan/callrepro/internal/browser"
	"github.com/ahrdadan/callrepro/internal/repro"
)

const (
	// Version is the current version of callrepro
	Version = "1"
	// AppName is the application name
	AppName = "callrepro"
)

// Config holds all configuration options for the repro CLI and server
type Config struct {
	// Scenario
	TargetURL  string
	Identifier string
	Secret     string
	Contact    string
	FeedButton string
	LogPath    string
	Settle     time.Duration

	// Browser
	Engine         string
	Headless       bool
	NoSandbox      bool
	ChromeBin      string
	InstallChrome  bool
	ChromeRevision int

	// Server
	Host    string
	Port    int
	BaseURL string // Full base URL for API responses (e.g., http://localhost:8000)
	LogDir  string // per-run diagnostics logs

	// Queue (NATS JetStream)
	NatsURL   string
	NatsStore string
	NatsBin   string

	// Security
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window for rate limiting
	ResultTTL         time.Duration // TTL for run records

	// Flags
	ShowVersion bool
	ShowHelp    bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	sc := repro.DefaultScenario()
	return &Config{
		TargetURL:         sc.TargetURL,
		Identifier:        sc.Identifier,
		Secret:            sc.Secret,
		Contact:           sc.Contact,
		FeedButton:        sc.FeedButton,
		LogPath:           sc.LogPath,
		Settle:            sc.Timeouts.Settle,
		Engine:            string(browser.EngineRod),
		Headless:          true,
		NoSandbox:         false,
		ChromeBin:         "",
		InstallChrome:     false,
		ChromeRevision:    0,
		Host:              "0.0.0.0",
		Port:              8000,
		BaseURL:           "", // Will be auto-generated if empty
		LogDir:            "./data/runs",
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsBin:           "nats-server",
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
		ResultTTL:         24 * time.Hour,
	}
}

// ParseFlags parses command line flags and returns the config
func ParseFlags() *Config {
	cfg, err := Parse(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	return cfg
}

// Parse parses args into a config built on DefaultConfig
func Parse(args []string) (*Config, error) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)

	// Scenario flags
	fs.StringVar(&cfg.TargetURL, "url", cfg.TargetURL, "Target application URL")
	fs.StringVar(&cfg.Identifier, "identifier", cfg.Identifier, "Username or email entered first")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Password entered second")
	fs.StringVar(&cfg.Contact, "contact", cfg.Contact, "Contact to open in the sidebar")
	fs.StringVar(&cfg.FeedButton, "feed-button", cfg.FeedButton, "Button label that proves login succeeded")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "Diagnostics log file")
	fs.DurationVar(&cfg.Settle, "settle", cfg.Settle, "Wait after the video call click")

	// Browser flags
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "Browser engine: rod or playwright")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "Run the browser headless")
	fs.BoolVar(&cfg.NoSandbox, "no-sandbox", cfg.NoSandbox, "Disable the Chromium sandbox (needed as root)")
	fs.StringVar(&cfg.ChromeBin, "chrome-bin", cfg.ChromeBin, "Chromium binary to launch")
	fs.BoolVar(&cfg.InstallChrome, "install-chrome", cfg.InstallChrome, "Download Chromium and its OS dependencies first")
	fs.IntVar(&cfg.ChromeRevision, "chrome-revision", cfg.ChromeRevision, "Chromium revision to download (0 uses default)")

	// Server flags
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for API responses (e.g., http://localhost:8000)")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for per-run diagnostics logs")

	// NATS flags
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL")
	fs.StringVar(&cfg.NatsStore, "nats-store", cfg.NatsStore, "NATS JetStream storage directory")
	fs.StringVar(&cfg.NatsBin, "nats-bin", cfg.NatsBin, "NATS server binary started when nats-url is unreachable")

	// Security flags
	fs.IntVar(&cfg.RateLimitRequests, "rate-limit", cfg.RateLimitRequests, "Rate limit requests per minute")
	fs.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "How long run records are kept")

	// Other flags
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	// Custom usage function
	fs.Usage = func() {
		PrintHelp()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Auto-generate BaseURL if not provided
	if cfg.BaseURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Port)
	}

	// Validate
	if cfg.RateLimitRequests < 1 {
		cfg.RateLimitRequests = 30
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}

	return cfg, nil
}

// Scenario builds the repro scenario from the config
func (c *Config) Scenario() repro.Scenario {
	sc := repro.DefaultScenario()
	sc.TargetURL = c.TargetURL
	sc.Identifier = c.Identifier
	sc.Secret = c.Secret
	sc.Contact = c.Contact
	sc.FeedButton = c.FeedButton
	sc.LogPath = c.LogPath
	sc.Timeouts.Settle = c.Settle
	return sc
}

// BrowserOptions builds the browser launch options from the config
func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Engine:    browser.Engine(c.Engine),
		Headless:  c.Headless,
		NoSandbox: c.NoSandbox,
		ChromeBin: c.ChromeBin,
	}
}

// PrintVersion prints version information
func PrintVersion() {
	fmt.Printf("%s v%s\n", AppName, Version)
}

// PrintHelp prints help information
func PrintHelp() {
	d := DefaultConfig()
	fmt.Printf(`%s v%s (video call bug repro)

Usage:
  ./repro [flags]
  ./server [flags]

Scenario:
  --url             %s
  --identifier      %s
  --secret          %s
  --contact         %s
  --feed-button     %s
  --log             %s
  --settle          %s

Browser:
  --engine          %s (rod or playwright)
  --headless        %v
  --no-sandbox      %v
  --chrome-bin      (engine default)
  --install-chrome  %v
  --chrome-revision %d

Server:
  --host            %s
  --port            %d
  --base-url        (auto-generated if empty)
  --log-dir         %s

Queue (NATS JetStream):
  --nats-url        %s
  --nats-store      %s
  --nats-bin        %s

Security:
  --rate-limit      %d (requests per minute)
  --result-ttl      %s

Other:
  --version         show version
  --help            show this help

`, AppName, Version,
		d.TargetURL, d.Identifier, d.Secret, d.Contact, d.FeedButton, d.LogPath, d.Settle,
		d.Engine, d.Headless, d.NoSandbox, d.InstallChrome, d.ChromeRevision,
		d.Host, d.Port, d.LogDir,
		d.NatsURL, d.NatsStore, d.NatsBin,
		d.RateLimitRequests, d.ResultTTL)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion()
		os.Exit(0)
	}

	if cfg.ShowHelp {
		PrintHelp()
		os.Exit(0)
	}
}
