// Command mdpmctl is a thin synchronous driver over the call queue
// (internal/client, component C8): it spawns the worker, issues exactly
// one command per invocation, and prints the decoded response. The
// touch-screen front-end itself is out of scope (spec §1 "Non-goals");
// this exists only to exercise the queue and protocol end-to-end, the way
// distri's own `batch`/`run` verbs drive a subsystem without being a full
// UI.
//
// Grounded on distr1-distri's cmd/distri/distri.go subcommand dispatch
// and internal/client.Queue's documented call lifecycle.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	isatty "github.com/mattn/go-isatty"

	"github.com/distr1/mdpm"
	"github.com/distr1/mdpm/internal/client"
	"github.com/distr1/mdpm/internal/tree"
	"github.com/distr1/mdpm/internal/transport"
	"github.com/distr1/mdpm/internal/wire"
)

// isTerminal gates the human-readable progress line below on stderr being
// a real terminal, the same way distri's cmd/distri/distri.go gates its
// batch progress output.
var isTerminal = isatty.IsTerminal(os.Stderr.Fd())

var workerPath = flag.String("worker", "/usr/sbin/mdpm-worker", "path to the mdpm-worker binary")

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "syntax: mdpmctl <list|install|remove|check-updates|catalogues> [name]")
		os.Exit(2)
	}
	if err := run(args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mdpmctl: %v\n", err)
		os.Exit(1)
	}
}

func run(verb string, rest []string) error {
	dir, err := os.MkdirTemp("", "mdpmctl")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	paths := transport.Paths{
		Request:  filepath.Join(dir, "request"),
		Response: filepath.Join(dir, "response"),
		Status:   filepath.Join(dir, "status"),
		Cancel:   filepath.Join(dir, "cancel"),
	}
	if err := transport.CreateFIFOs(paths); err != nil {
		return err
	}

	proc := exec.Command(*workerPath, "backend", paths.Request, paths.Response, paths.Status, paths.Cancel, "")
	proc.Stderr = os.Stderr
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer proc.Wait()

	ui, err := transport.OpenUISide(paths)
	if err != nil {
		return fmt.Errorf("opening UI pipes: %w", err)
	}
	defer ui.Close()

	logger := log.New(os.Stderr, "mdpmctl: ", log.LstdFlags)
	q := client.New(ui, logger, func(p wire.StatusPayload) {
		if !isTerminal {
			fmt.Fprintf(os.Stderr, "status: %d/%d\n", p.Already, p.Total)
			return
		}
		if p.Total <= 0 {
			fmt.Fprintf(os.Stderr, "\r%s...", p.Op)
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s: %s / %s", p.Op, humanize.Bytes(uint64(p.Already)), humanize.Bytes(uint64(p.Total)))
	})
	go q.ReadLoop()
	q.MarkReady()

	cmd, payload, err := buildCall(verb, rest)
	if err != nil {
		return err
	}

	done := make(chan *wire.Decoder, 1)
	q.Submit(cmd, payload, nil, func(d *wire.Decoder) { done <- d })

	select {
	case d := <-done:
		return printResult(verb, d)
	case <-time.After(10 * time.Minute):
		q.Cancel()
		return fmt.Errorf("timed out waiting for %s", verb)
	}
}

func buildCall(verb string, args []string) (mdpm.Command, []byte, error) {
	e := wire.NewEncoder()
	e.EncodeInt32(int32(mdpm.CacheDefault))
	switch verb {
	case "list":
		e.EncodeInt32(0) // OnlyUser
		e.EncodeInt32(0) // OnlyInstalled
		e.EncodeInt32(0) // OnlyAvailable
		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}
		e.EncodeStr(pattern)
		e.EncodeInt32(1) // ShowMagicSys
		return mdpm.CmdGetPackageList, e.Bytes(), nil
	case "install":
		if len(args) != 1 {
			return 0, nil, fmt.Errorf("install requires a package name")
		}
		e.EncodeStr(args[0])
		e.EncodeStr(os.Getenv("http_proxy"))
		e.EncodeStr(os.Getenv("https_proxy"))
		e.EncodeStr("")
		return mdpm.CmdInstallPackage, e.Bytes(), nil
	case "remove":
		if len(args) != 1 {
			return 0, nil, fmt.Errorf("remove requires a package name")
		}
		e.EncodeStr(args[0])
		return mdpm.CmdRemovePackage, e.Bytes(), nil
	case "check-updates":
		e.EncodeStr(os.Getenv("http_proxy"))
		e.EncodeStr(os.Getenv("https_proxy"))
		return mdpm.CmdCheckUpdates, e.Bytes(), nil
	case "catalogues":
		return mdpm.CmdGetCatalogues, e.Bytes(), nil
	default:
		return 0, nil, fmt.Errorf("unknown command %q", verb)
	}
}

func printResult(verb string, d *wire.Decoder) error {
	if d == nil {
		return fmt.Errorf("worker died before responding")
	}
	switch verb {
	case "list", "catalogues":
		n := d.DecodeTree()
		b, err := tree.Marshal(n)
		if err != nil {
			return err
		}
		os.Stdout.Write(b)
		return nil
	default:
		result := mdpm.ResultCode(d.DecodeInt32())
		fmt.Println(result)
		if d.Corrupted() {
			return fmt.Errorf("corrupted response")
		}
		return nil
	}
}
