// Command volcache saves and restores build caches in a shared directory.
//
// Usage:
//
//	volcache [global flags] <command> [flags] [paths...]
//
// Commands:
//
//	restore         restore the best entry for -key and -restore-key into paths
//	save            save paths under -key
//	lookup          print the entry -key and -restore-key resolve to
//	prune           remove entries older than -older-than
//	action-restore  run the restore step of the CI action
//	action-save     run the save step of the CI action
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meigma/volcache"
	"github.com/meigma/volcache/action"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	exitMiss  = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// stringsFlag collects repeated flag values.
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ",") }

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type env struct {
	getenv func(string) string
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	cache  *volcache.Cache
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	cfg := defaultFileConfig(getenv)

	global := flag.NewFlagSet("volcache", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() {
		fmt.Fprintln(stderr, "usage: volcache [global flags] <restore|save|lookup|prune|action-restore|action-save> [flags] [paths...]")
		global.PrintDefaults()
	}
	configPath := global.String("config", "", "YAML configuration file")
	root := global.String("root", "", "store root directory (default $CACHE_DIR or "+volcache.DefaultRoot+")")
	scope := global.String("scope", "", "store scope (default $GITHUB_REPOSITORY)")
	archiver := global.String("archiver", "", "archiver: exec or native")
	matchMode := global.String("match-mode", "", "fallback key matching: substring or prefix")
	maxKeyLength := global.Int("max-key-length", 0, "maximum key length in characters")
	logLevel := global.String("log-level", "", "log level: debug, info, warn, error")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath, cfg, getenv); err != nil {
			fmt.Fprintln(stderr, "volcache:", err)
			return exitError
		}
	}
	global.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "scope":
			cfg.Scope = *scope
		case "archiver":
			cfg.Archiver = *archiver
		case "match-mode":
			cfg.MatchMode = *matchMode
		case "max-key-length":
			cfg.MaxKeyLength = *maxKeyLength
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return exitUsage
	}

	level, err := cfg.level()
	if err != nil {
		fmt.Fprintln(stderr, "volcache:", err)
		return exitUsage
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	opts, err := cfg.options(logger)
	if err != nil {
		fmt.Fprintln(stderr, "volcache:", err)
		return exitUsage
	}
	c, err := volcache.New(opts...)
	if err != nil {
		fmt.Fprintln(stderr, "volcache:", err)
		return exitError
	}

	e := &env{getenv: getenv, stdout: stdout, stderr: stderr, logger: logger, cache: c}
	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "restore":
		return e.restore(ctx, cmdArgs)
	case "save":
		return e.save(ctx, cmdArgs)
	case "lookup":
		return e.lookup(ctx, cmdArgs)
	case "prune":
		return e.prune(cmdArgs)
	case "action-restore":
		if err := e.runner().RunRestore(ctx); err != nil {
			fmt.Fprintf(stdout, "::error::%s\n", err)
			return exitError
		}
		return exitOK
	case "action-save":
		e.runner().RunSave(ctx)
		return exitOK
	default:
		fmt.Fprintf(stderr, "volcache: unknown command %q\n", cmd)
		global.Usage()
		return exitUsage
	}
}

func (e *env) runner() *action.Runner {
	return action.New(e.cache,
		action.WithGetenv(e.getenv),
		action.WithOutput(e.stdout),
		action.WithLogger(e.logger),
	)
}

func (e *env) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

// fail reports err and maps it to an exit code.
func (e *env) fail(err error) int {
	fmt.Fprintln(e.stderr, err)
	if volcache.IsValidation(err) {
		return exitUsage
	}
	return exitError
}

func (e *env) restore(ctx context.Context, args []string) int {
	fs := e.flags("restore")
	key := fs.String("key", "", "primary cache key")
	var restoreKeys stringsFlag
	fs.Var(&restoreKeys, "restore-key", "fallback key prefix, tried in order (repeatable)")
	failOnMiss := fs.Bool("fail-on-miss", false, "exit with status 3 when nothing matches")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	m, err := e.cache.Restore(ctx, fs.Args(), *key, restoreKeys)
	if err != nil {
		return e.fail(err)
	}
	if !m.Found() {
		fmt.Fprintln(e.stdout, "cache-hit=false")
		if *failOnMiss {
			return exitMiss
		}
		return exitOK
	}
	fmt.Fprintf(e.stdout, "cache-hit=%t\ncache-matched-key=%s\n", m.ExactHit(*key), m.Key)
	return exitOK
}

func (e *env) save(ctx context.Context, args []string) int {
	fs := e.flags("save")
	key := fs.String("key", "", "cache key")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	entry, err := e.cache.Save(ctx, fs.Args(), *key)
	if err != nil {
		if volcache.IsReserve(err) {
			fmt.Fprintln(e.stderr, err)
			return exitOK
		}
		return e.fail(err)
	}
	fmt.Fprintf(e.stdout, "%s\t%d\t%s\n", entry.Name, entry.Size, entry.ID())
	return exitOK
}

func (e *env) lookup(ctx context.Context, args []string) int {
	fs := e.flags("lookup")
	key := fs.String("key", "", "primary cache key")
	var restoreKeys stringsFlag
	fs.Var(&restoreKeys, "restore-key", "fallback key prefix, tried in order (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	m, err := e.cache.Lookup(ctx, *key, restoreKeys)
	if err != nil {
		return e.fail(err)
	}
	if !m.Found() {
		return exitMiss
	}
	fmt.Fprintf(e.stdout, "%s\t%s\t%t\n", m.Key, m.Entry.Path, m.ExactHit(*key))
	return exitOK
}

func (e *env) prune(args []string) int {
	fs := e.flags("prune")
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "remove entries not modified for this long")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *olderThan <= 0 {
		fmt.Fprintln(e.stderr, "volcache: -older-than must be positive")
		return exitUsage
	}

	removed, err := e.cache.Prune(time.Now().Add(-*olderThan))
	for _, name := range removed {
		fmt.Fprintln(e.stdout, name)
	}
	if err != nil {
		return e.fail(err)
	}
	return exitOK
}
