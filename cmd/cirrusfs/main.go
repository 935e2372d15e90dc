// Command cirrusfs mounts a CirrusFS server as a local filesystem.
//
// The minimal invocation names a mount point and a server:
//
//	cirrusfs --mount /mnt/cloud --apiurl https://cloud.example.com/api
//
// With --username the client authenticates interactively, prompting
// for the password (and a two-factor code when the server demands
// one). Sessions can be remembered across runs with --session-file.
// By default the mount shows every filesystem on the account under a
// synthetic root; --filesystem or --folder narrows it to one subtree.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/cirrusfs/cirrusfs/internal/backend"
	"github.com/cirrusfs/cirrusfs/internal/config"
	"github.com/cirrusfs/cirrusfs/internal/filedata"
	"github.com/cirrusfs/cirrusfs/internal/fsitems"
	"github.com/cirrusfs/cirrusfs/internal/fuse"
	"github.com/cirrusfs/cirrusfs/internal/metrics"
	"github.com/cirrusfs/cirrusfs/internal/session"
	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitBackend = 2
	exitMount   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	}

	log := newLogger(opts.Global.Debug)
	ctx := context.Background()

	be, err := newBackend(opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitUsage
	}
	if err := be.Initialize(ctx); err != nil {
		log.Error("server handshake failed", "error", err)
		return exitBackend
	}

	store, freshSession, err := authenticate(ctx, be, opts)
	if err != nil {
		log.Error("authentication failed", "error", err)
		return exitBackend
	}
	if store != nil {
		defer store.Close()
	}

	// Only idempotent requests retry, and only now that auth is done:
	// a retried createsession could burn a two-factor code.
	be.EnableRetry()
	if opts.Cache.Type == config.CacheMemory {
		be.SetMemoryMode(true)
	}

	cache := filedata.NewCacheManager(filedata.CacheOptions{
		MemoryLimit:  opts.Cache.MemoryLimit,
		MarginFrac:   opts.Cache.EvictMarginFrac,
		MaxDirtyTime: opts.Cache.MaxDirtyTime,
		Log:          log,
	})
	defer cache.Shutdown()

	core := fsitems.NewCore(be, cache, opts, log)
	root, err := core.Root(ctx)
	if err != nil {
		log.Error("loading mount root failed", "error", err)
		return exitBackend
	}

	var collector *metrics.Collector
	if opts.Global.MetricsAddr != "" {
		collector, err = metrics.NewCollector(
			&metrics.Config{Addr: opts.Global.MetricsAddr},
			cache, core.Alloc, be, log)
		if err != nil {
			log.Error("metrics setup failed", "error", err)
			return exitMount
		}
		if err := collector.Start(); err != nil {
			log.Error("metrics server failed to start", "error", err)
			return exitMount
		}
		defer collector.Stop(ctx)
	}

	mount := fuse.CreatePlatformMount(root, opts, log)
	if err := mount.Mount(); err != nil {
		log.Error("mount failed", "error", err)
		return exitMount
	}
	log.Info("cirrusfs ready",
		"mount", opts.Mount.Path,
		"server", be.Hostname(),
		"cache", opts.Cache.Type.String())

	waitForShutdown(mount, log)

	// Flush before detaching so close-to-open consistency holds for
	// whoever reads the server next.
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if err := root.FlushCache(flushCtx); err != nil {
		log.Error("final flush failed", "error", err)
	}

	if mount.IsMounted() {
		if err := mount.Unmount(); err != nil {
			log.Error("unmount failed", "error", err)
		}
	}

	// A remembered session stays valid on the server for the next run;
	// a one-off session is cleaned up.
	if freshSession && store == nil {
		if err := be.CloseSession(ctx); err != nil {
			log.Warn("closing server session failed", "error", err)
		}
	}

	log.Info("shutdown complete")
	return exitOK
}

func parseFlags() (*config.Options, error) {
	opts := config.NewDefault()
	flags := pflag.NewFlagSet("cirrusfs", pflag.ContinueOnError)

	configFile := flags.StringP("config", "c", "", "YAML configuration file")
	mountPath := flags.StringP("mount", "m", "", "mount point (required)")
	apiURL := flags.StringP("apiurl", "a", "", "server API endpoint URL")
	apiPath := flags.String("apipath", "", "local server CLI path (instead of --apiurl)")
	username := flags.StringP("username", "u", "", "account to authenticate as")
	readOnly := flags.BoolP("read-only", "r", false, "mount read-only")
	debug := flags.CountP("debug", "d", "increase debug verbosity (repeatable)")
	cacheMode := flags.String("cachemode", "normal", "cache mode: none|memory|normal")
	pageSize := flags.Int64("pagesize", opts.Cache.PageSize, "page size in bytes")
	memoryLimit := flags.Int64("memory-limit", opts.Cache.MemoryLimit, "cache memory limit in bytes")
	refresh := flags.Duration("folder-refresh", opts.Backend.RefreshInterval, "folder listing refresh interval")
	fakeChmod := flags.Bool("fake-chmod", false, "accept chmod calls without applying them")
	fakeChown := flags.Bool("fake-chown", false, "accept chown calls without applying them")
	fuseOpts := flags.StringArrayP("option", "o", nil, "extra FUSE mount option (repeatable)")
	metricsAddr := flags.String("metrics", "", "Prometheus exposition address (e.g. :9090)")
	filesystem := flags.String("filesystem", "", "mount a single filesystem id")
	folder := flags.String("folder", "", "mount a single folder id")
	sessionFile := flags.String("session-file", "", "SQLite database remembering sessions")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := opts.LoadFromFile(*configFile); err != nil {
			return nil, err
		}
	}
	opts.LoadFromEnv()

	// Explicit flags win over file and environment.
	if flags.Changed("mount") {
		opts.Mount.Path = *mountPath
	}
	if flags.Changed("apiurl") {
		opts.Backend.APIURL = *apiURL
	}
	if flags.Changed("apipath") {
		opts.Backend.APIPath = *apiPath
	}
	if flags.Changed("username") {
		opts.Backend.Username = *username
	}
	if flags.Changed("read-only") {
		opts.Mount.ReadOnly = *readOnly
	}
	if flags.Changed("debug") {
		opts.Global.Debug = *debug
	}
	if flags.Changed("cachemode") {
		mode, err := config.ParseCacheType(*cacheMode)
		if err != nil {
			return nil, err
		}
		opts.Cache.Type = mode
	}
	if flags.Changed("pagesize") {
		opts.Cache.PageSize = *pageSize
	}
	if flags.Changed("memory-limit") {
		opts.Cache.MemoryLimit = *memoryLimit
	}
	if flags.Changed("folder-refresh") {
		opts.Backend.RefreshInterval = *refresh
	}
	if flags.Changed("fake-chmod") {
		opts.Mount.FakeChmod = *fakeChmod
	}
	if flags.Changed("fake-chown") {
		opts.Mount.FakeChown = *fakeChown
	}
	if flags.Changed("option") {
		opts.Mount.FuseOptions = append(opts.Mount.FuseOptions, *fuseOpts...)
	}
	if flags.Changed("metrics") {
		opts.Global.MetricsAddr = *metricsAddr
	}
	if flags.Changed("filesystem") {
		opts.Backend.Filesystem = *filesystem
	}
	if flags.Changed("folder") {
		opts.Backend.Folder = *folder
	}
	if flags.Changed("session-file") {
		opts.Backend.SessionFile = *sessionFile
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func newLogger(debug int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case debug >= 2:
		level = slog.LevelDebug
	case debug == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newBackend(opts *config.Options, log *slog.Logger) (*backend.Backend, error) {
	if opts.Backend.APIPath != "" {
		return backend.New(backend.NewCLIRunner(opts.Backend.APIPath, log), log), nil
	}
	return backend.New(
		backend.NewHTTPRunner(opts.Backend.APIURL, opts.Backend.Timeout, log),
		log), nil
}

// authenticate establishes a server session: a remembered one from the
// session store when possible, otherwise an interactive login. Returns
// the store (nil when unused) and whether a new session was created.
func authenticate(ctx context.Context, be *backend.Backend, opts *config.Options) (*session.Store, bool, error) {
	if opts.Backend.Username == "" {
		return nil, false, nil // anonymous access
	}

	serverURL := opts.Backend.APIURL
	if serverURL == "" {
		serverURL = opts.Backend.APIPath
	}

	var store *session.Store
	if opts.Backend.SessionFile != "" {
		var err error
		store, err = session.Open(opts.Backend.SessionFile)
		if err != nil {
			return nil, false, err
		}
		rec, ok, err := store.Load(serverURL, opts.Backend.Username)
		if err != nil {
			store.Close()
			return nil, false, err
		}
		if ok {
			be.PreAuthenticate(rec.SessionID, rec.SessionKey, rec.Username)
			return store, false, nil
		}
	}

	password, err := promptPassword(opts.Backend.Username)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, false, err
	}

	err = be.Authenticate(ctx, opts.Backend.Username, password, "")
	if errors.Is(err, errors.ErrTwoFactor) {
		code, perr := promptLine("Two-factor code: ")
		if perr != nil {
			err = perr
		} else {
			err = be.Authenticate(ctx, opts.Backend.Username, password, code)
		}
	}
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, false, err
	}

	if store != nil {
		id, key := be.Session()
		if err := store.Save(session.Record{
			ServerURL:  serverURL,
			Username:   opts.Backend.Username,
			SessionID:  id,
			SessionKey: key,
		}); err != nil {
			store.Close()
			return nil, true, err
		}
	}
	return store, true, nil
}

func promptPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	defer fmt.Fprintln(os.Stderr)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// waitForShutdown blocks until a termination signal arrives or the
// mount disappears underneath us (external umount).
func waitForShutdown(mount fuse.PlatformMount, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waitCh := make(chan struct{})
	go func() {
		mount.Wait()
		close(waitCh)
	}()

	select {
	case sig := <-sigCh:
		log.Info("signal received, unmounting", "signal", sig.String())
	case <-waitCh:
		log.Info("mount ended externally")
	}
}
