// Package pkgdb is the boundary to the "underlying package library" named
// but not reimplemented by the spec (§1, §4.4, §4.5): it shells out to the
// system's apt-get/apt-cache/dpkg-query/apt-mark tools rather than linking
// libapt-pkg, following the teacher's external-tool-driving style in
// internal/install/install.go (distr1-distri) rather than its in-process
// squashfs/ELF handling.
package pkgdb

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Package is one dpkg/apt package record, trimmed to the fields the cache
// and planner layers need (spec §3 "Package summary record").
type Package struct {
	Name             string
	InstalledVersion string
	InstalledSize    int64
	Section          string
	CandidateVersion string
	Auto             bool
	Essential        bool
}

// Config names the four directories/paths that make a cache instance
// distinct (spec §3 "Cache state").
type Config struct {
	CacheDir         string
	StateDir         string
	SourcesList      string
	SourcesPartsDir  string
	GenerateOnOpen   bool
}

// DB is a handle on one opened package database, scoped to a Config. The
// zero value is not usable; use Open.
type DB struct {
	cfg    Config
	logger *log.Logger
}

// Open configures apt's view of the world to cfg and, if cfg.GenerateOnOpen
// is set, refreshes the cache (`apt-get update`) against it (spec §4.4
// "ensure_open").
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*DB, error) {
	db := &DB{cfg: cfg, logger: logger}
	if cfg.GenerateOnOpen {
		if err := db.run(ctx, nil, nil, "update"); err != nil {
			return nil, xerrors.Errorf("apt-get update: %w", err)
		}
	}
	return db, nil
}

// Close releases db. apt-get/dpkg keep no long-lived handle of their own;
// closing only stops further use of db.
func (db *DB) Close() error { return nil }

func (db *DB) aptOptions() []string {
	return []string{
		"-o", "Dir::Cache=" + db.cfg.CacheDir,
		"-o", "Dir::State=" + db.cfg.StateDir,
		"-o", "Dir::Etc::sourcelist=" + db.cfg.SourcesList,
		"-o", "Dir::Etc::sourceparts=" + db.cfg.SourcesPartsDir,
	}
}

func (db *DB) run(ctx context.Context, stdout, stderr *bytes.Buffer, args ...string) error {
	full := append(append([]string{}, db.aptOptions()...), args...)
	cmd := exec.CommandContext(ctx, "apt-get", full...)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		var errBuf bytes.Buffer
		cmd.Stderr = &errBuf
		defer func() {
			if errBuf.Len() > 0 {
				db.logger.Printf("apt-get %s: %s", strings.Join(args, " "), errBuf.String())
			}
		}()
	}
	return cmd.Run()
}

// Update refreshes the package cache (`apt-get update`) against db's
// configured sources. Used both by Open's GenerateOnOpen path and
// directly whenever a caller adds a catalogue and needs an immediate
// refresh (spec §4.11 step 2).
func (db *DB) Update(ctx context.Context) error {
	if err := db.run(ctx, nil, nil, "update"); err != nil {
		return xerrors.Errorf("apt-get update: %w", err)
	}
	return nil
}

// Installed lists every currently installed package, sourced from dpkg's
// status file under cfg.StateDir.
func (db *DB) Installed(ctx context.Context) (map[string]Package, error) {
	cmd := exec.CommandContext(ctx, "dpkg-query",
		"--admindir="+db.cfg.StateDir+"/dpkg",
		"-W", "-f=${Package}\t${Version}\t${Installed-Size}\t${Section}\t${Essential}\n")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// dpkg-query exits non-zero when the admin dir has no packages yet.
			return map[string]Package{}, nil
		}
		return nil, xerrors.Errorf("dpkg-query: %w", err)
	}
	pkgs := make(map[string]Package)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) != 5 {
			continue
		}
		sizeKB, _ := strconv.ParseInt(fields[2], 10, 64)
		pkgs[fields[0]] = Package{
			Name:             fields[0],
			InstalledVersion: fields[1],
			InstalledSize:    sizeKB * 1024,
			Section:          fields[3],
			Essential:        fields[4] == "yes",
		}
	}
	return pkgs, sc.Err()
}

// Candidate returns the candidate (available) version apt would install
// for name, per `apt-cache policy`.
func (db *DB) Candidate(ctx context.Context, name string) (string, bool, error) {
	full := append(append([]string{}, db.aptOptions()...), "policy", name)
	cmd := exec.CommandContext(ctx, "apt-cache", full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", false, xerrors.Errorf("apt-cache policy %s: %w", name, err)
	}
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			v = strings.TrimSpace(v)
			if v == "" || v == "(none)" {
				return "", false, nil
			}
			return v, true, nil
		}
	}
	return "", false, nil
}

// SimAction is one line of an apt-get --simulate transcript.
type SimAction struct {
	Kind Verb
	Name string
}

type Verb int

const (
	VerbInstall Verb = iota
	VerbRemove
	VerbConfigure
)

// SimResult is the parsed outcome of a simulated install or remove (spec
// §4.5 "Derived queries").
type SimResult struct {
	Actions      []SimAction
	Broken       int
	DownloadSize int64
}

// Simulate runs `apt-get -s <verb> <names...>` and parses the transcript
// without mutating any installed state. The planner uses it for its
// derived status and download-size queries (spec §4.5); its dependency
// resolution reads `apt-cache depends` instead.
func (db *DB) Simulate(ctx context.Context, verb string, names []string) (*SimResult, error) {
	args := append([]string{"-s", "-q", verb}, names...)
	full := append(append([]string{}, db.aptOptions()...), args...)
	cmd := exec.CommandContext(ctx, "apt-get", full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	runErr := cmd.Run()

	res := &SimResult{}
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Inst "):
			res.Actions = append(res.Actions, SimAction{Kind: VerbInstall, Name: firstField(line[len("Inst "):])})
		case strings.HasPrefix(line, "Remv "):
			res.Actions = append(res.Actions, SimAction{Kind: VerbRemove, Name: firstField(line[len("Remv "):])})
		case strings.HasPrefix(line, "Conf "):
			res.Actions = append(res.Actions, SimAction{Kind: VerbConfigure, Name: firstField(line[len("Conf "):])})
		case strings.Contains(line, "to upgrade, ") && strings.Contains(line, "newly installed"):
			// "N upgraded, N newly installed, N to remove and N not upgraded."
		}
	}
	res.Broken = countBrokenLines(out.String())
	if runErr != nil && len(res.Actions) == 0 && res.Broken == 0 {
		return nil, xerrors.Errorf("apt-get -s %s: %w", verb, runErr)
	}
	if size, err := db.downloadSize(ctx, verb, names); err == nil {
		res.DownloadSize = size
	}
	return res, nil
}

func firstField(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// downloadSize asks apt for the exact byte sizes of the archives a
// simulated transaction would fetch (spec §4.5 "download-size").
func (db *DB) downloadSize(ctx context.Context, verb string, names []string) (int64, error) {
	args := append([]string{"-qq", "--print-uris", verb}, names...)
	full := append(append([]string{}, db.aptOptions()...), args...)
	cmd := exec.CommandContext(ctx, "apt-get", full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, xerrors.Errorf("apt-get --print-uris %s: %w", verb, err)
	}
	var total int64
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if n, err := strconv.ParseInt(fields[len(fields)-2], 10, 64); err == nil {
			total += n
		}
	}
	return total, sc.Err()
}

func countBrokenLines(transcript string) int {
	n := 0
	for _, line := range strings.Split(transcript, "\n") {
		if strings.Contains(line, "but it is not installable") ||
			strings.Contains(line, "but it is not going to be installed") {
			n++
		}
	}
	return n
}

// AutoFlags returns the set of packages apt currently marks as
// automatically installed (spec §4.4 "Auto-install flags").
func (db *DB) AutoFlags(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, "apt-mark", "-o", "Dir::State="+db.cfg.StateDir, "showauto")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, xerrors.Errorf("apt-mark showauto: %w", err)
	}
	flags := make(map[string]bool)
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name != "" {
			flags[name] = true
		}
	}
	return flags, sc.Err()
}

// SetAuto marks or clears the automatically-installed bit on names.
func (db *DB) SetAuto(ctx context.Context, names []string, auto bool) error {
	if len(names) == 0 {
		return nil
	}
	verb := "manual"
	if auto {
		verb = "auto"
	}
	args := append([]string{"-o", "Dir::State=" + db.cfg.StateDir, verb}, names...)
	cmd := exec.CommandContext(ctx, "apt-mark", args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("apt-mark %s: %s: %w", verb, errBuf.String(), err)
	}
	return nil
}

// Install performs a real, non-simulated install of names.
func (db *DB) Install(ctx context.Context, names []string) error {
	args := append([]string{"-y", "install"}, names...)
	var out, errBuf bytes.Buffer
	if err := db.run(ctx, &out, &errBuf, args...); err != nil {
		return xerrors.Errorf("apt-get install: %s: %w", errBuf.String(), err)
	}
	db.logger.Printf("apt-get install %s:\n%s", strings.Join(names, " "), out.String())
	return nil
}

// Remove performs a real, non-simulated removal of names.
func (db *DB) Remove(ctx context.Context, names []string) error {
	args := append([]string{"-y", "remove"}, names...)
	var out, errBuf bytes.Buffer
	if err := db.run(ctx, &out, &errBuf, args...); err != nil {
		return xerrors.Errorf("apt-get remove: %s: %w", errBuf.String(), err)
	}
	db.logger.Printf("apt-get remove %s:\n%s", strings.Join(names, " "), out.String())
	return nil
}

// Search lists candidate package names matching pattern via
// `apt-cache search`, the basis for GET_PACKAGE_LIST's "only available"
// view (spec §4.6).
func (db *DB) Search(ctx context.Context, pattern string) ([]string, error) {
	args := append(append([]string{}, db.aptOptions()...), "search", pattern)
	cmd := exec.CommandContext(ctx, "apt-cache", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, xerrors.Errorf("apt-cache search %q: %w", pattern, err)
	}
	var names []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		name, _, ok := strings.Cut(sc.Text(), " - ")
		if ok {
			names = append(names, name)
		}
	}
	return names, sc.Err()
}

// Download performs a download-only install (apt-get install --download-only),
// the basis for the DOWNLOAD_PACKAGE handler (spec §4.6).
func (db *DB) Download(ctx context.Context, names []string) error {
	args := append([]string{"-y", "--download-only", "install"}, names...)
	var out, errBuf bytes.Buffer
	if err := db.run(ctx, &out, &errBuf, args...); err != nil {
		return xerrors.Errorf("apt-get --download-only install: %s: %w", errBuf.String(), err)
	}
	return nil
}

// Clean empties the archive cache (spec §4.6 "clean").
func (db *DB) Clean(ctx context.Context) error {
	if err := db.run(ctx, nil, nil, "clean"); err != nil {
		return xerrors.Errorf("apt-get clean: %w", err)
	}
	return nil
}

// DebControl is the subset of a local .deb's control record the
// GET_FILE_DETAILS/INSTALL_FILE handlers need (spec §4.6).
type DebControl struct {
	Package      string
	Version      string
	Architecture string
	Section      string
	Depends      string
	Description  string
}

// ReadDebControl reads a local .deb's control record via `dpkg-deb -f`
// (spec §4.6 "get-file-details / install-file").
func ReadDebControl(ctx context.Context, path string) (DebControl, error) {
	cmd := exec.CommandContext(ctx, "dpkg-deb", "-f", path,
		"Package", "Version", "Architecture", "Section", "Depends", "Description")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return DebControl{}, xerrors.Errorf("dpkg-deb -f %s: %w", path, err)
	}
	var c DebControl
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		line := sc.Text()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Package":
			c.Package = v
		case "Version":
			c.Version = v
		case "Architecture":
			c.Architecture = v
		case "Section":
			c.Section = v
		case "Depends":
			c.Depends = v
		case "Description":
			c.Description = v
		}
	}
	return c, sc.Err()
}

// InstallDeb installs a local .deb file via `dpkg --install` (spec §4.6
// "install-file").
func (db *DB) InstallDeb(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "dpkg", "--admindir="+db.cfg.StateDir+"/dpkg", "--install", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	db.logger.Printf("dpkg --install %s:\n%s", path, out.String())
	if err != nil {
		return xerrors.Errorf("dpkg --install %s: %w", path, err)
	}
	return nil
}

// PurgeDeb rolls back a failed INSTALL_FILE by purging the package name
// parsed from the .deb's control record (spec §4.6: "on failure, dpkg
// --purge the package name as a rollback").
func (db *DB) PurgeDeb(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "dpkg", "--admindir="+db.cfg.StateDir+"/dpkg", "--purge", name)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	db.logger.Printf("dpkg --purge %s:\n%s", name, out.String())
	if err != nil {
		return xerrors.Errorf("dpkg --purge %s: %w", name, err)
	}
	return nil
}

// ConfigurePending runs dpkg's own recovery step after an interrupted run
// (spec §4.4 "Clearing the dpkg journal"): "if any file name [in dpkg's
// updates directory] is entirely decimal digits, ... run `dpkg --configure
// dpkg` synchronously and log output."
func (db *DB) ConfigurePending(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "dpkg", "--admindir="+db.cfg.StateDir+"/dpkg", "--configure", "dpkg")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	db.logger.Printf("dpkg --configure dpkg:\n%s", out.String())
	if err != nil {
		return xerrors.Errorf("dpkg --configure dpkg: %w", err)
	}
	return nil
}
