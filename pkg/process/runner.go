package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-enricher/pkg/metrics"
)

var (
	ErrBinaryNotFound = errors.New("binary not found")
	ErrNonZeroExit    = errors.New("non-zero exit code")
	ErrOutputMissing  = errors.New("output file missing")
)

const (
	defaultKillGrace  = 5 * time.Second
	defaultOutputWait = 2 * time.Second
	defaultMaxCapture = 4 << 20
	stderrTail        = 2 << 10
)

// ExitError carries the exit code and captured stderr of a failed invocation.
type ExitError struct {
	Binary   string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Binary, e.ExitCode, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}

// IsContentFailure reports whether err came from the process rejecting its input
// rather than from the environment.
func IsContentFailure(err error) bool {
	return errors.Is(err, ErrNonZeroExit) || errors.Is(err, ErrOutputMissing)
}

// Spec describes one invocation.
type Spec struct {
	Binary string
	// Args builds the argument list from the temp input and output paths.
	Args      func(input, output string) []string
	Input     io.Reader
	InputExt  string
	OutputExt string // empty when the product is stdout
	Timeout   time.Duration
	Env       []string
	// HandleOutput runs while the output file still exists.
	HandleOutput func(ctx context.Context, outputPath string) error
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

type Runner struct {
	TempDir   string
	KillGrace time.Duration
	// OutputWait bounds how long stdout and stderr may stay open after the
	// process exits, e.g. held by a background child.
	OutputWait time.Duration
	MaxCapture int
}

func NewRunner(tempDir string, killGrace time.Duration) *Runner {
	return &Runner{TempDir: tempDir, KillGrace: killGrace}
}

func (r *Runner) Run(ctx context.Context, spec Spec) (res *Result, err error) {
	binary := filepath.Base(spec.Binary)
	started := time.Now()
	defer func() {
		metrics.ProcessRuns.WithLabelValues(binary, outcome(err)).Inc()
		metrics.ProcessDuration.WithLabelValues(binary).Observe(time.Since(started).Seconds())
	}()

	path, err := exec.LookPath(spec.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, spec.Binary, err)
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	dir := r.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	suffix := uuid.NewString()
	inputPath := filepath.Join(dir, fmt.Sprintf("%s-in-%s%s", binary, suffix, spec.InputExt))
	outputPath := filepath.Join(dir, fmt.Sprintf("%s-out-%s%s", binary, suffix, spec.OutputExt))
	defer removeQuietly(ctx, inputPath)
	defer removeQuietly(ctx, outputPath)

	if err := materialize(ctx, inputPath, spec.Input); err != nil {
		return nil, err
	}

	res, err = r.exec(ctx, path, spec.Args(inputPath, outputPath), spec.Env)
	if err != nil {
		return res, err
	}

	if spec.OutputExt != "" {
		info, statErr := os.Stat(outputPath)
		if statErr != nil || info.Size() == 0 {
			return res, fmt.Errorf("%w: %s: %s", ErrOutputMissing, binary, tail(res.Stderr, stderrTail))
		}
	}

	if spec.HandleOutput != nil {
		if err := spec.HandleOutput(ctx, outputPath); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (r *Runner) exec(ctx context.Context, path string, args []string, env []string) (*Result, error) {
	started := time.Now()
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), env...)
	setProcessGroup(cmd)

	limit := r.MaxCapture
	if limit <= 0 {
		limit = defaultMaxCapture
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.OutputWait
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultOutputWait
	}

	zerolog.Ctx(ctx).Debug().Str("binary", path).Strs("args", args).Msg("starting process")
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, path, err)
		}
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		grace := r.KillGrace
		if grace <= 0 {
			grace = defaultKillGrace
		}
		zerolog.Ctx(ctx).Warn().Str("binary", path).Dur("grace", grace).Msg("terminating process group")
		terminateGroup(cmd)
		timer := time.NewTimer(grace)
		select {
		case <-done:
		case <-timer.C:
			killGroup(cmd)
			<-done
		}
		timer.Stop()
		// Anything in the group that outlived the leader goes too.
		killGroup(cmd)
		return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, Duration: time.Since(started)},
			fmt.Errorf("%s canceled: %w", filepath.Base(path), ctx.Err())
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The tool itself exited cleanly; whatever still holds its output goes.
		zerolog.Ctx(ctx).Warn().Str("binary", path).Msg("output still open after exit, killing process group")
		killGroup(cmd)
		waitErr = nil
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, &ExitError{Binary: filepath.Base(path), ExitCode: exitErr.ExitCode(), Stderr: tail(res.Stderr, stderrTail)}
	}
	if waitErr != nil {
		return res, fmt.Errorf("wait %s: %w", path, waitErr)
	}
	return res, nil
}

func materialize(ctx context.Context, path string, input io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create input file: %w", err)
	}
	if input != nil {
		if _, err := io.Copy(f, &ctxReader{ctx: ctx, r: input}); err != nil {
			f.Close()
			return fmt.Errorf("write input file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close input file: %w", err)
	}
	return nil
}

func removeQuietly(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		zerolog.Ctx(ctx).Error().Err(err).Str("path", path).Msg("failed to remove temp file")
	}
}

func outcome(err error) string {
	var exitErr *ExitError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrBinaryNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &exitErr):
		return "exit_error"
	case errors.Is(err, ErrOutputMissing):
		return "output_missing"
	default:
		return "error"
	}
}

// tail returns at most the last n bytes of b, starting on a line boundary when
// one falls inside the window.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
		if i := bytes.IndexByte(b, '\n'); i >= 0 && i < len(b)-1 {
			b = b[i+1:]
		}
	}
	return strings.TrimSpace(string(b))
}

// cappedBuffer keeps the first limit bytes and discards the rest so a chatty
// process never blocks on a full pipe.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) <= room {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
