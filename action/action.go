// Package action runs the cache as a CI workflow step.
//
// Inputs come from INPUT_* environment variables, outputs and saved state
// are appended to the files named by GITHUB_OUTPUT and GITHUB_STATE, and
// messages for the job log are written as workflow commands. A restore step
// records the primary and matched keys as state so the save step that runs
// after the job can skip saving on an exact hit.
package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/meigma/volcache"
)

// Input names.
const (
	InputKey             = "key"
	InputRestoreKeys     = "restore-keys"
	InputPath            = "path"
	InputLookupOnly      = "lookup-only"
	InputFailOnCacheMiss = "fail-on-cache-miss"
)

// Output names.
const (
	OutputCacheHit   = "cache-hit"
	OutputPrimaryKey = "cache-primary-key"
	OutputMatchedKey = "cache-matched-key"
)

// State names shared between the restore and save steps.
const (
	StatePrimaryKey = "CACHE_KEY"
	StateMatchedKey = "CACHE_RESULT"
)

// Environment variables read from the runner.
const (
	EnvServerURL = "GITHUB_SERVER_URL"
	EnvRef       = "GITHUB_REF"
	EnvEventName = "GITHUB_EVENT_NAME"
	EnvOutput    = "GITHUB_OUTPUT"
	EnvState     = "GITHUB_STATE"
)

// Cache is the subset of volcache.Cache used by the steps.
type Cache interface {
	Save(ctx context.Context, paths []string, key string) (volcache.Entry, error)
	Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (volcache.Match, error)
	Lookup(ctx context.Context, primaryKey string, restoreKeys []string) (volcache.Match, error)
}

// Runner executes restore and save steps against a cache.
type Runner struct {
	cache  Cache
	getenv func(string) string
	out    io.Writer
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithGetenv sets the environment lookup. Defaults to os.Getenv.
func WithGetenv(getenv func(string) string) Option {
	return func(r *Runner) {
		r.getenv = getenv
	}
}

// WithOutput sets where job log messages and workflow commands are
// written. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.out = w
	}
}

// WithLogger sets the logger for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New returns a Runner for c.
func New(c Cache, opts ...Option) *Runner {
	r := &Runner{cache: c, getenv: os.Getenv, out: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	// ErrInputRequired is returned when a required input is missing.
	ErrInputRequired = errors.New("input required and not supplied")

	// ErrCacheMiss is returned by RunRestore on a miss when
	// fail-on-cache-miss is set.
	ErrCacheMiss = errors.New("failed to restore cache entry, fail-on-cache-miss is set")
)

// Input returns the trimmed value of the named input.
func (r *Runner) Input(name string) string {
	env := "INPUT_" + strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
	return strings.TrimSpace(r.getenv(env))
}

// RequiredInput returns the named input or an error if it is empty.
func (r *Runner) RequiredInput(name string) (string, error) {
	v := r.Input(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrInputRequired, name)
	}
	return v, nil
}

// InputList splits a multi-line input into trimmed, non-empty lines.
func (r *Runner) InputList(name string) []string {
	var out []string
	for _, line := range strings.Split(r.Input(name), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// InputBool parses a boolean input. An unset input is false.
func (r *Runner) InputBool(name string) (bool, error) {
	switch v := r.Input(name); v {
	case "":
		return false, nil
	case "true", "True", "TRUE":
		return true, nil
	case "false", "False", "FALSE":
		return false, nil
	default:
		return false, fmt.Errorf("input %s: %q is not a boolean (true or false)", name, v)
	}
}

// State returns a value saved by an earlier step of this action.
func (r *Runner) State(name string) string {
	return r.getenv("STATE_" + name)
}

// SetOutput records a step output.
func (r *Runner) SetOutput(name, value string) error {
	return r.writeFileCommand(EnvOutput, "set-output", name, value)
}

// SaveState records state for a later step of this action.
func (r *Runner) SaveState(name, value string) error {
	return r.writeFileCommand(EnvState, "save-state", name, value)
}

// writeFileCommand appends name=value to the file named by env, falling
// back to the legacy stdout command when the runner does not provide one.
func (r *Runner) writeFileCommand(env, legacy, name, value string) error {
	path := r.getenv(env)
	if path == "" {
		r.command(legacy, "name="+escapeProperty(name), value)
		return nil
	}

	delim := "ghadelimiter_" + uuid.NewString()
	if strings.Contains(name, delim) || strings.Contains(value, delim) {
		return fmt.Errorf("action: %s value contains the delimiter", name)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path comes from the runner
	if err != nil {
		return fmt.Errorf("action: open %s: %w", env, err)
	}
	_, err = fmt.Fprintf(f, "%s<<%s\n%s\n%s\n", name, delim, value, delim)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("action: write %s: %w", env, err)
	}
	return nil
}

// Info writes a plain line to the job log.
func (r *Runner) Info(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Warning writes a warning annotation to the job log.
func (r *Runner) Warning(msg string) {
	r.log().Warn(msg)
	r.command("warning", "", msg)
}

func (r *Runner) command(name, props, msg string) {
	if props != "" {
		name += " " + props
	}
	fmt.Fprintf(r.out, "::%s::%s\n", name, escapeData(msg))
}

func escapeData(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A").Replace(s)
}

func escapeProperty(s string) string {
	return strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A", ":", "%3A", ",", "%2C").Replace(s)
}

// IsGHES reports whether the runner talks to a GitHub Enterprise Server
// rather than github.com.
func (r *Runner) IsGHES() bool {
	raw := r.getenv(EnvServerURL)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	return !strings.EqualFold(u.Hostname(), "github.com")
}

// IsValidEvent reports whether the triggering event is tied to a ref.
func (r *Runner) IsValidEvent() bool {
	return r.getenv(EnvRef) != ""
}

func (r *Runner) eventWarning() {
	r.Warning(fmt.Sprintf("Event Validation Error: The event type %s is not supported because it's not tied to a branch or tag ref.",
		r.getenv(EnvEventName)))
}

func (r *Runner) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.New(slog.DiscardHandler)
}
