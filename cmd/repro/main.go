package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahrdadan/callrepro/internal/browser"
	"github.com/ahrdadan/callrepro/internal/config"
	"github.com/ahrdadan/callrepro/internal/diag"
	"github.com/ahrdadan/callrepro/internal/repro"
)

// The repro always exits 0: failures are reported on stdout and through the
// diagnostics log only.
func main() {
	cfg := config.ParseFlags()
	config.HandleFlags(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.BrowserOptions()
	if cfg.InstallChrome {
		bin, err := browser.Install(ctx, opts, cfg.ChromeRevision)
		if err != nil {
			log.Printf("Warning: failed to install browser: %v", err)
		} else if bin != "" {
			opts.ChromeBin = bin
		}
	}

	launcher, err := browser.NewLauncher(opts)
	if err != nil {
		// still run the controller so the log file is written
		launcher = repro.LauncherFunc(func(context.Context, *diag.Recorder) (repro.Session, error) {
			return nil, err
		})
	}

	// the error has already been printed by the controller
	_ = repro.NewController(launcher, cfg.Scenario(), os.Stdout).Run(ctx)
}
