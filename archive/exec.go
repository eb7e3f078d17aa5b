package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/meigma/volcache/internal/procpipe"
)

// Exec archives with the system tar and lz4 programs:
//
//	tar -cf - -C <base> -- <members...> | lz4 -z -c
//	lz4 -d -c | tar -xf - -C <dest>
//
// Both programs' diagnostic output is streamed to the logger while they run.
type Exec struct {
	tar     string
	lz4     string
	verbose bool
	logger  *slog.Logger
}

// ExecOption configures an Exec archiver.
type ExecOption func(*Exec)

// ExecWithTar sets the tar program. Defaults to "tar" from PATH.
func ExecWithTar(path string) ExecOption {
	return func(e *Exec) {
		e.tar = path
	}
}

// ExecWithLZ4 sets the lz4 program. Defaults to "lz4" from PATH.
func ExecWithLZ4(path string) ExecOption {
	return func(e *Exec) {
		e.lz4 = path
	}
}

// ExecWithVerbose passes -v to lz4 so compression progress is logged.
func ExecWithVerbose(verbose bool) ExecOption {
	return func(e *Exec) {
		e.verbose = verbose
	}
}

// ExecWithLogger sets the logger that receives process output.
func ExecWithLogger(logger *slog.Logger) ExecOption {
	return func(e *Exec) {
		e.logger = logger
	}
}

// NewExec returns an archiver that runs external programs.
func NewExec(opts ...ExecOption) *Exec {
	e := &Exec{tar: "tar", lz4: "lz4"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pack implements Archiver.
func (e *Exec) Pack(ctx context.Context, base string, members []string, w io.Writer) error {
	if len(members) == 0 {
		return ErrNoPaths
	}
	tarArgs := append([]string{"-cf", "-", "-C", base, "--"}, members...)
	lz4Args := e.lz4Args("-z", "-c")

	e.log().Info("packing archive", "base", base, "members", members)
	p := &procpipe.Pipeline{Stdout: w, Logger: e.log()}
	return p.Run(ctx,
		procpipe.Stage{Name: e.tar, Args: tarArgs},
		procpipe.Stage{Name: e.lz4, Args: lz4Args},
	)
}

// Unpack implements Archiver.
func (e *Exec) Unpack(ctx context.Context, r io.Reader, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil { //nolint:gosec // extracted trees keep conventional permissions
		return fmt.Errorf("archive: create destination: %w", err)
	}

	e.log().Info("unpacking archive", "dest", dest)
	p := &procpipe.Pipeline{Stdin: r, Logger: e.log()}
	return p.Run(ctx,
		procpipe.Stage{Name: e.lz4, Args: e.lz4Args("-d", "-c")},
		procpipe.Stage{Name: e.tar, Args: []string{"-xf", "-", "-C", dest}},
	)
}

func (e *Exec) lz4Args(args ...string) []string {
	if e.verbose {
		args = append(args, "-v")
	}
	return args
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Exec) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}
