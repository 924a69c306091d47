package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. The runner tests re-execute the test
// binary with GO_WANT_HELPER_PROCESS=1 so it stands in for an external tool.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: -- mode input output")
		os.Exit(2)
	}
	mode, input, output := args[1], args[2], args[3]

	switch mode {
	case "copy":
		data, err := os.ReadFile(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := os.WriteFile(output, data, 0o600); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "jpeg":
		img := image.NewRGBA(image.Rect(0, 0, 16, 9))
		for x := 0; x < 16; x++ {
			for y := 0; y < 9; y++ {
				img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 28), B: 128, A: 255})
			}
		}
		f, err := os.Create(output)
		if err != nil {
			os.Exit(1)
		}
		if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
			os.Exit(1)
		}
		f.Close()
	case "fail":
		fmt.Fprintln(os.Stderr, "decoding input")
		fmt.Fprintln(os.Stderr, "seek position beyond end of stream")
		os.Exit(3)
	case "nooutput":
		fmt.Fprint(os.Stdout, `{"ok":true}`)
	case "flood":
		// Fill both pipes well past their buffer size.
		chunk := bytes.Repeat([]byte("x"), 4096)
		for i := 0; i < 256; i++ {
			os.Stderr.Write(chunk)
			os.Stdout.Write(chunk)
		}
	case "sleep":
		time.Sleep(time.Minute)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
	case "tree":
		// Waits on a sleeping child of its own.
		child := startHelperChild(nil)
		child.Wait()
	case "detach":
		// Exits at once, leaving a child that holds stdout open.
		startHelperChild(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}
	os.Exit(0)
}

func startHelperChild(stdout *os.File) *exec.Cmd {
	child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "sleep", "-", "-")
	if stdout != nil {
		child.Stdout = stdout
	}
	if err := child.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if path := os.Getenv("HELPER_PID_FILE"); path != "" {
		if err := os.WriteFile(path, []byte(strconv.Itoa(child.Process.Pid)), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	return child
}

func helperSpec(mode string, input io.Reader, outputExt string) Spec {
	return Spec{
		Binary: os.Args[0],
		Args: func(in, out string) []string {
			return []string{"-test.run=TestHelperProcess", "--", mode, in, out}
		},
		Input:     input,
		InputExt:  ".mp4",
		OutputExt: outputExt,
		Env:       []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("temp files left behind: %v", names)
	}
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		outputExt string
		wantErr   error
		content   bool
	}{
		{name: "success with output file", mode: "copy", outputExt: ".bin"},
		{name: "non-zero exit", mode: "fail", outputExt: ".jpg", wantErr: ErrNonZeroExit, content: true},
		{name: "zero exit without output file", mode: "nooutput", outputExt: ".jpg", wantErr: ErrOutputMissing, content: true},
		{name: "stdout product", mode: "nooutput"},
		{name: "large output on both streams", mode: "flood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			r := &Runner{TempDir: dir}

			var copied []byte
			spec := helperSpec(tt.mode, strings.NewReader("payload"), tt.outputExt)
			if tt.mode == "copy" {
				spec.HandleOutput = func(_ context.Context, path string) error {
					var err error
					copied, err = os.ReadFile(path)
					return err
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			res, err := r.Run(ctx, spec)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
				}
				if IsContentFailure(err) != tt.content {
					t.Errorf("IsContentFailure() = %v, want %v", IsContentFailure(err), tt.content)
				}
			} else if err != nil {
				t.Fatalf("Run() unexpected error: %v", err)
			}

			switch tt.mode {
			case "copy":
				if string(copied) != "payload" {
					t.Errorf("output = %q, want payload", copied)
				}
			case "fail":
				var exitErr *ExitError
				if !errors.As(err, &exitErr) {
					t.Fatalf("expected *ExitError, got %T", err)
				}
				if exitErr.ExitCode != 3 {
					t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
				}
				for _, line := range []string{"decoding input", "beyond end of stream"} {
					if !strings.Contains(exitErr.Stderr, line) {
						t.Errorf("Stderr = %q, missing %q", exitErr.Stderr, line)
					}
				}
			case "nooutput":
				if res == nil || string(res.Stdout) != `{"ok":true}` {
					t.Errorf("Stdout = %q", res.Stdout)
				}
			case "flood":
				if len(res.Stdout) != 256*4096 || len(res.Stderr) != 256*4096 {
					t.Errorf("captured %d/%d bytes", len(res.Stdout), len(res.Stderr))
				}
			}

			assertEmptyDir(t, dir)
		})
	}
}

func TestRunner_OutputIsDecodableJPEG(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TempDir: dir}

	var bounds image.Rectangle
	spec := helperSpec("jpeg", strings.NewReader("video"), ".jpg")
	spec.HandleOutput = func(_ context.Context, path string) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		img, err := jpeg.Decode(f)
		if err != nil {
			return err
		}
		bounds = img.Bounds()
		return nil
	}

	if _, err := r.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if bounds.Dx() != 16 || bounds.Dy() != 9 {
		t.Errorf("decoded bounds = %v", bounds)
	}
	assertEmptyDir(t, dir)
}

func TestRunner_HandleOutputErrorStillCleansUp(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TempDir: dir}

	boom := errors.New("upload failed")
	spec := helperSpec("copy", strings.NewReader("payload"), ".bin")
	spec.HandleOutput = func(context.Context, string) error { return boom }

	if _, err := r.Run(context.Background(), spec); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	assertEmptyDir(t, dir)
}

func TestRunner_BinaryNotFound(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TempDir: dir}

	spec := helperSpec("copy", strings.NewReader("payload"), ".bin")
	spec.Binary = "media-enricher-no-such-binary"

	_, err := r.Run(context.Background(), spec)
	if !errors.Is(err, ErrBinaryNotFound) {
		t.Fatalf("Run() error = %v, want ErrBinaryNotFound", err)
	}
	if IsContentFailure(err) {
		t.Error("missing binary must not be a content failure")
	}
	assertEmptyDir(t, dir)
}

func TestRunner_Cancellation(t *testing.T) {
	tests := []struct {
		name string
		mode string
	}{
		{name: "terminates on SIGTERM", mode: "sleep"},
		{name: "kills after grace period", mode: "stubborn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			r := &Runner{TempDir: dir, KillGrace: 200 * time.Millisecond}

			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			defer cancel()

			started := time.Now()
			_, err := r.Run(ctx, helperSpec(tt.mode, strings.NewReader("payload"), ".jpg"))
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Run() error = %v, want deadline exceeded", err)
			}
			if IsContentFailure(err) {
				t.Error("cancellation must not be a content failure")
			}
			if elapsed := time.Since(started); elapsed > 10*time.Second {
				t.Fatalf("Run() took %v after cancellation", elapsed)
			}
			assertEmptyDir(t, dir)
		})
	}
}

func TestRunner_SpecTimeout(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TempDir: dir, KillGrace: 100 * time.Millisecond}

	spec := helperSpec("sleep", strings.NewReader("payload"), "")
	spec.Timeout = 300 * time.Millisecond

	if _, err := r.Run(context.Background(), spec); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	assertEmptyDir(t, dir)
}

func TestRunner_CanceledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{TempDir: dir}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Run(ctx, helperSpec("copy", strings.NewReader("payload"), ".bin")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	assertEmptyDir(t, dir)
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	b.Write([]byte("gh"))
	if got := string(b.Bytes()); got != "abcd" {
		t.Errorf("Bytes() = %q, want abcd", got)
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("frame error\n", 400) + "final line\n"
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short input kept whole", in: "first\nsecond\n", n: 64, want: "first\nsecond"},
		{name: "empty", in: "", n: 64, want: ""},
		{name: "cut at a line boundary", in: "aaaa\nbbbb\ncccc\n", n: 8, want: "cccc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tail([]byte(tt.in), tt.n); got != tt.want {
				t.Errorf("tail() = %q, want %q", got, tt.want)
			}
		})
	}

	got := tail([]byte(long), stderrTail)
	if len(got) > stderrTail || !strings.HasSuffix(got, "final line") || strings.HasPrefix(got, "rror") {
		t.Errorf("tail() of %d bytes = %d bytes ending %q", len(long), len(got), got[max(0, len(got)-20):])
	}
}
