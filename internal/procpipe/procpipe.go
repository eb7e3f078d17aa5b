// Package procpipe runs a chain of external commands connected by pipes,
// like a shell pipeline, while streaming their diagnostic output to a
// logger.
package procpipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultStderrLines is the number of trailing stderr lines kept per stage
// for error reports.
const DefaultStderrLines = 20

// Stage is one command in a pipeline.
type Stage struct {
	// Name is the program to run, looked up in PATH.
	Name string

	// Args are the program arguments.
	Args []string

	// Dir is the working directory. Empty uses the current directory.
	Dir string
}

// String returns the command line of the stage.
func (s Stage) String() string {
	if len(s.Args) == 0 {
		return s.Name
	}
	return s.Name + " " + strings.Join(s.Args, " ")
}

// ExitError reports a stage that failed to start or exited unsuccessfully.
type ExitError struct {
	// Stage is the command line of the failed stage.
	Stage string

	// ExitCode is the process exit code, or -1 if it did not run to completion.
	ExitCode int

	// Stderr holds the last lines the stage wrote to standard error.
	Stderr string

	// Err is the underlying error.
	Err error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Pipeline runs stages with each stage's stdout feeding the next stage's
// stdin.
type Pipeline struct {
	// Stdin feeds the first stage. Nil means no input.
	Stdin io.Reader

	// Stdout receives the last stage's output. When nil, the output is
	// logged line by line instead.
	Stdout io.Writer

	// Logger receives each stage's stderr (and uncaptured stdout) as it is
	// produced. Nil discards it.
	Logger *slog.Logger

	// StderrLines bounds the stderr tail kept for ExitError. Zero uses
	// DefaultStderrLines.
	StderrLines int
}

// Run starts every stage, drains their output concurrently and waits for
// all of them. A failing stage is returned as an *ExitError carrying its
// stderr tail. Cancelling ctx kills the remaining processes.
func (p *Pipeline) Run(ctx context.Context, stages ...Stage) error {
	if len(stages) == 0 {
		return errors.New("procpipe: no stages")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	keep := p.StderrLines
	if keep <= 0 {
		keep = DefaultStderrLines
	}

	cmds := make([]*exec.Cmd, len(stages))
	tails := make([]*tail, len(stages))
	readers := make([][]io.Closer, len(stages))
	stderrs := make([]io.ReadCloser, len(stages))
	var parentEnds []io.Closer
	closeAll := func(cs []io.Closer) {
		for _, c := range cs {
			_ = c.Close() //nolint:errcheck // parent copies only
		}
	}
	abort := func(err error) error {
		closeAll(parentEnds)
		for _, rs := range readers {
			closeAll(rs)
		}
		return err
	}

	var g errgroup.Group
	for i, st := range stages {
		cmd := exec.CommandContext(ctx, st.Name, st.Args...) //nolint:gosec // stages are built by the caller
		cmd.Dir = st.Dir
		cmds[i] = cmd
		tails[i] = newTail(keep)

		stderr, err := cmd.StderrPipe()
		if err != nil {
			return abort(&ExitError{Stage: st.String(), ExitCode: -1, Err: err})
		}
		stderrs[i] = stderr
		readers[i] = append(readers[i], stderr)
	}

	cmds[0].Stdin = p.Stdin
	for i := 0; i < len(cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return abort(fmt.Errorf("procpipe: create pipe: %w", err))
		}
		cmds[i].Stdout = w
		cmds[i+1].Stdin = r
		parentEnds = append(parentEnds, r, w)
	}
	lastIdx := len(cmds) - 1
	var lastStdout io.ReadCloser
	if p.Stdout != nil {
		cmds[lastIdx].Stdout = p.Stdout
	} else {
		stdout, err := cmds[lastIdx].StdoutPipe()
		if err != nil {
			return abort(&ExitError{Stage: stages[lastIdx].String(), ExitCode: -1, Err: err})
		}
		lastStdout = stdout
		readers[lastIdx] = append(readers[lastIdx], stdout)
	}

	started := 0
	var startErr error
	for i, cmd := range cmds {
		logger.Debug("starting process", "cmd", stages[i].String())
		if err := cmd.Start(); err != nil {
			startErr = &ExitError{Stage: stages[i].String(), ExitCode: -1, Err: err}
			break
		}
		started++
	}
	// The children hold their own copies of the pipe ends now; closing ours
	// lets each reader see EOF when its writer exits.
	closeAll(parentEnds)

	if startErr != nil {
		for _, cmd := range cmds[:started] {
			_ = cmd.Process.Kill() //nolint:errcheck // tearing down a partial pipeline
		}
		for _, rs := range readers[started:] {
			closeAll(rs)
		}
	}

	for i := range cmds[:started] {
		g.Go(drain(stderrs[i], logger, stages[i].Name, "stderr", tails[i]))
	}
	if lastStdout != nil && started == len(cmds) {
		g.Go(drain(lastStdout, logger, stages[lastIdx].Name, "stdout", nil))
	}
	// Output must be fully read before Wait closes the pipes.
	drainErr := g.Wait()

	waitErrs := make([]error, len(cmds))
	for i, cmd := range cmds[:started] {
		waitErrs[i] = cmd.Wait()
	}
	if startErr != nil {
		return startErr
	}
	if i, err := firstFailure(waitErrs); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return &ExitError{Stage: stages[i].String(), ExitCode: code, Stderr: tails[i].String(), Err: err}
	}
	if drainErr != nil {
		return fmt.Errorf("procpipe: read output: %w", drainErr)
	}
	return nil
}

// firstFailure picks the stage to blame. A stage killed by a signal is
// usually a victim of a later stage exiting early (SIGPIPE), so the first
// stage that exited with a status code is preferred.
func firstFailure(errs []error) (int, error) {
	signaled := -1
	for i, err := range errs {
		if err == nil {
			continue
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
			if signaled < 0 {
				signaled = i
			}
			continue
		}
		return i, err
	}
	if signaled >= 0 {
		return signaled, errs[signaled]
	}
	return -1, nil
}

// drain logs r line by line until EOF, recording lines in t when non-nil.
func drain(r io.Reader, logger *slog.Logger, name, stream string, t *tail) func() error {
	return func() error {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		sc.Split(scanLines)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			logger.Info(line, "process", name, "stream", stream)
			if t != nil {
				t.add(line)
			}
		}
		err := sc.Err()
		if errors.Is(err, bufio.ErrTooLong) {
			// The writer blocks on a full pipe unless the rest is read.
			logger.Warn("dropping overlong output line", "process", name, "stream", stream)
			_, err = io.Copy(io.Discard, r)
		}
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return err
	}
}

// scanLines splits on '\n' and '\r' so progress output that redraws a
// single line is logged as it arrives.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last n lines written to it.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

// String returns the kept lines joined by newlines.
func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
