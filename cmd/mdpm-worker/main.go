// Command mdpm-worker is the privileged worker process (spec §6 "Worker
// CLI"): either the long-lived request server invoked as
// `mdpm-worker backend <request> <response> <status> <cancel> <options>`,
// or the short-lived `mdpm-worker check-for-updates <http-proxy>` batch
// invocation the scheduler shells out to.
//
// Grounded on distr1-distri's cmd/distri/distri.go subcommand dispatch
// (flag.FlagSet per verb, a verbs map, distri.InterruptibleContext,
// RunAtExit at the tail of main) and on spec §6's CLI grammar.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/backup"
	"github.com/distr1/mdpm/internal/cache"
	"github.com/distr1/mdpm/internal/catalogue"
	"github.com/distr1/mdpm/internal/config"
	"github.com/distr1/mdpm/internal/pkgdb"
	"github.com/distr1/mdpm/internal/plan"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/tree"
	"github.com/distr1/mdpm/internal/worker"
)

var configPath = flag.String("config", config.DefaultPath, "path to the daemon TOML configuration")

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "syntax: mdpm-worker backend <request> <response> <status> <cancel> <options>")
		fmt.Fprintln(os.Stderr, "     or mdpm-worker check-for-updates <http-proxy>")
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "mdpm-worker: ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("loading %s: %v; using built-in defaults", *configPath, err)
		cfg = config.Default("mdpm")
	}

	ctx, canc := mdpm.InterruptibleContext()
	defer canc()

	verb, rest := args[0], args[1:]
	var runErr error
	switch verb {
	case "backend":
		runErr = runBackend(ctx, logger, cfg, rest)
	case "check-for-updates":
		runErr = runCheckForUpdates(ctx, logger, cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		os.Exit(2)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "mdpm-worker %s: %v\n", verb, runErr)
		os.Exit(1)
	}
	if err := mdpm.RunDeferred(); err != nil {
		logger.Printf("running deferred actions: %v", err)
	}
}

func runBackend(ctx context.Context, logger *log.Logger, cfg *config.Config, args []string) error {
	if len(args) != 5 {
		return fmt.Errorf("syntax: backend <request-pipe> <response-pipe> <status-pipe> <cancel-pipe> <options>")
	}
	paths := transport.Paths{Request: args[0], Response: args[1], Status: args[2], Cancel: args[3]}
	opts := worker.ParseOptions(args[4])
	if opts.BreakLocks {
		cfg.Worker.BreakLocks = true
	}
	if opts.IgnoreWrongDomains {
		cfg.Worker.IgnoreWrongDomains = true
	}
	if opts.UseAptAlgorithms {
		cfg.Worker.UseAptAlgorithms = true
	}

	ctrl, planner, catModel, domains, bk := buildComponents(logger, cfg)
	if err := domains.Load(); err != nil {
		logger.Printf("loading trust domains: %v", err)
	}

	w, err := transport.OpenWorkerSide(paths)
	if err != nil {
		return fmt.Errorf("opening worker pipes: %w", err)
	}
	defer w.Close()

	c := worker.New(logger, ctrl, planner, catModel, domains, bk, cfg.Worker.SimulatedRoot, opts)
	if err := c.Serve(ctx, w); err != nil {
		return err
	}
	return ctrl.CloseAll()
}

func runCheckForUpdates(ctx context.Context, logger *log.Logger, cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("syntax: check-for-updates <http-proxy>")
	}
	httpProxy := args[0]
	if httpProxy != "" {
		os.Setenv("http_proxy", httpProxy)
		os.Setenv("https_proxy", httpProxy)
	}

	ctrl, planner, _, _, _ := buildComponents(logger, cfg)
	ctrl.SetCurrent(cache.Default)
	if err := ctrl.EnsureOpen(ctx); err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer ctrl.CloseAll()
	if err := ctrl.Refresh(ctx); err != nil {
		return err
	}

	// The scheduler's execRunner (internal/scheduler.NewExecRunner) reads
	// this process's stdout as a marshaled available-updates tree (spec
	// §4.9): one text element per magic:sys candidate, tagged "os".
	p, err := planner.InstallNoSurprises(ctx, plan.MagicSys)
	if err != nil {
		return fmt.Errorf("computing system updates: %w", err)
	}
	root := tree.NewList("available-updates")
	for _, name := range p.Install {
		root.Append(tree.NewText("os", name))
	}
	b, err := tree.Marshal(root)
	if err != nil {
		return fmt.Errorf("marshaling available-updates: %w", err)
	}
	_, err = os.Stdout.Write(b)
	return err
}

// buildComponents wires the cache controller, planner, catalogue model,
// trust domains and backup writer from the daemon configuration's path
// roots, following the teacher's Config-struct-plus-defaults shape
// (internal/pkgdb.Config, internal/cache.New's per-kind arguments).
func buildComponents(logger *log.Logger, cfg *config.Config) (*cache.Controller, *plan.Planner, *catalogue.Model, *catalogue.Domains, *backup.Writer) {
	defaultCfg := pkgdb.Config{
		CacheDir:        cfg.Paths.CacheDir,
		StateDir:        cfg.Paths.StateDir,
		SourcesList:     cfg.Paths.ConfDir + "/apt/sources.list",
		SourcesPartsDir: cfg.Paths.ConfDir + "/apt/sources.list.d",
		GenerateOnOpen:  true,
	}
	tempCfg := defaultCfg
	tempCfg.CacheDir = cfg.Paths.CacheDir + "/temp"
	tempCfg.StateDir = cfg.Paths.StateDir + "/temp"

	ctrl := cache.New(
		logger, defaultCfg, tempCfg,
		cfg.Paths.StateDir+"/autoinst", cfg.Paths.StateDir+"/temp/autoinst",
		cfg.Paths.RunDir+"/lock", cfg.Paths.RunDir+"/temp.lock",
		cfg.Worker.BreakLocks,
	)
	planner := plan.New(ctrl, defaultCfg, logger)

	catModel := catalogue.New(catalogue.Paths{
		PackageFragmentsDir: "/usr/share/" + cfg.Vendor + "/catalogues",
		FragmentExt:         "xexp",
		UserConfFile:        cfg.Paths.ConfDir + "/catalogues",
		AptSourcesFile:      cfg.Paths.ConfDir + "/apt/sources.list.d/" + cfg.Vendor + ".list",
	}, cfg.Vendor)

	domains := catalogue.NewDomains(catalogue.DomainsPaths{
		PackageFragmentsDir: "/usr/share/" + cfg.Vendor + "/domains",
		FragmentExt:         "xexp",
		UserConfFile:        cfg.Paths.ConfDir + "/domains",
	})

	bk := backup.New(cfg.Paths.StateDir + "/backup/backup-data.cpio.gz")

	return ctrl, planner, catModel, domains, bk
}
