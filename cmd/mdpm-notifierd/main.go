// Command mdpm-notifierd is the long-lived notifier daemon: it wires
// internal/scheduler's alarm-driven check-for-updates loop to
// internal/notifier's file-system watcher, and logs the current
// notification state whenever a watched artifact changes.
//
// Grounded on original_source/statusbar/*.c's separation between the
// alarm-cookie process (update-notifier) and the statusbar applet that
// only reads the resulting artifacts, and on distri.InterruptibleContext
// for signal-driven shutdown (cmd/distri/distri.go).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/config"
	"github.com/distr1/mdpm/internal/notifier"
	"github.com/distr1/mdpm/internal/scheduler"
)

var (
	configPath  = flag.String("config", config.DefaultPath, "path to the daemon TOML configuration")
	workerPath  = flag.String("worker", "/usr/sbin/mdpm-worker", "path to the mdpm-worker binary")
	useSudo     = flag.Bool("sudo", true, "invoke the worker via sudo rather than fakeroot")
	blinkExpiry = flag.Duration("blink-expiry", 0, "override the tapped-notification blink-expiry window (0 = spec default)")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "mdpm-notifierd: ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading %s: %v; using built-in defaults", *configPath, err)
		cfg = config.Default("mdpm")
	}

	paths := notifier.Paths{
		Available: cfg.Paths.StateDir + "/available-updates",
		Seen:      cfg.Paths.StateDir + "/seen-updates",
		Tapped:    cfg.Paths.StateDir + "/tapped-updates",
	}

	runner := scheduler.NewExecRunner(*workerPath, *useSudo, !*useSudo)
	notifyFrontend := func() {
		logger.Printf("scheduled update check failed; front-end notification requested")
	}
	sched := scheduler.New(scheduler.NewTimerAlarm(), runner, notifyFrontend, logger, scheduler.Config{
		Interval:       cfg.Scheduler.Interval(),
		LastUpdateFile: cfg.Paths.StateDir + "/last-update",
		AvailableFile:  paths.Available,
	})
	sched.Start()
	defer sched.Stop()

	watcher, err := notifier.NewWatcher(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mdpm-notifierd: creating watcher: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()

	expiry := *blinkExpiry
	if expiry <= 0 {
		expiry = notifier.DefaultBlinkExpiry
	}

	ctx, canc := mdpm.InterruptibleContext()
	defer canc()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	recompute := func() {
		if err := notifier.CheckBlinkExpiry(paths, expiry); err != nil {
			logger.Printf("checking blink-expiry: %v", err)
		}
		status, category, err := notifier.Evaluate(paths)
		if err != nil {
			logger.Printf("evaluating notification state: %v", err)
			return
		}
		logger.Printf("notification state: status=%v category=%v", status, category)
	}
	recompute()
	watcher.Run(recompute, done)
}
