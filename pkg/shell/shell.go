// Package shell runs commands and newline-delimited scripts, optionally
// through su.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Result is the outcome of a finished command or script.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Contains reports whether marker appears on a line of stdout.
func (r Result) Contains(marker string) bool {
	for _, line := range strings.Split(r.Stdout, "\n") {
		if strings.TrimSpace(line) == marker {
			return true
		}
	}
	return false
}

// Runner executes commands.
type Runner interface {
	// Exec runs name with args without elevation and waits for it.
	Exec(ctx context.Context, name string, args ...string) (Result, error)
	// Su runs a single command through `su -c` and waits for it.
	Su(ctx context.Context, suPath, command string) (Result, error)
	// SuScript writes lines to one su process's stdin and waits for it.
	SuScript(ctx context.Context, suPath string, lines []string) (Result, error)
	// SpawnSuScript writes lines to one su process's stdin and returns
	// without waiting. Output is drained in the background.
	SpawnSuScript(ctx context.Context, suPath string, lines []string) (*Session, error)
}

// Session is a detached su process whose output is drained by goroutines.
type Session struct {
	done chan struct{}

	mu     sync.Mutex
	stdout []string
	stderr []string
	err    error
}

// Done is closed when the process has exited and its output is drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Output returns the lines read so far.
func (s *Session) Output() (stdout, stderr []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stdout...), append([]string(nil), s.stderr...)
}

// Err returns the exit error once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NewSession returns an already finished session holding the given output.
func NewSession(stdout []string, err error) *Session {
	s := &Session{done: make(chan struct{}), stdout: stdout, err: err}
	close(s.done)
	return s
}

// Exec is the os/exec backed Runner.
type Exec struct {
	Logger *slog.Logger
}

// NewExec creates a Runner backed by os/exec.
func NewExec(logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{Logger: logger}
}

func script(lines []string) string {
	return strings.Join(lines, "\n") + "\n"
}

func run(cmd *exec.Cmd) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// a non-zero exit is reported through ExitCode
		return res, nil
	}
	return res, err
}

func (e *Exec) Exec(ctx context.Context, name string, args ...string) (Result, error) {
	return run(exec.CommandContext(ctx, name, args...))
}

func (e *Exec) Su(ctx context.Context, suPath, command string) (Result, error) {
	e.Logger.Debug("su command", "command", command)
	return run(exec.CommandContext(ctx, suPath, "-c", command))
}

func (e *Exec) SuScript(ctx context.Context, suPath string, lines []string) (Result, error) {
	cmd := exec.CommandContext(ctx, suPath)
	cmd.Stdin = strings.NewReader(script(lines))
	e.Logger.Debug("su script", "lines", len(lines))
	return run(cmd)
}

func (e *Exec) SpawnSuScript(ctx context.Context, suPath string, lines []string) (*Session, error) {
	cmd := exec.CommandContext(ctx, suPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start su: %w", err)
	}

	s := &Session{done: make(chan struct{})}
	var readers sync.WaitGroup
	readers.Add(2)
	go s.drain(&readers, stdout, &s.stdout, e.Logger, "stdout")
	go s.drain(&readers, stderr, &s.stderr, e.Logger, "stderr")

	_, werr := io.WriteString(stdin, script(lines))
	stdin.Close()
	if werr != nil {
		e.Logger.Warn("write su script", "error", werr)
	}

	go func() {
		readers.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	return s, nil
}

// maxOutputLine bounds one recorded line of session output.
const maxOutputLine = 1 << 20

// drain records r line by line. After an oversized line the rest of r is
// discarded unread so the child never blocks on a full pipe.
func (s *Session) drain(wg *sync.WaitGroup, r io.Reader, dst *[]string, logger *slog.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("su output", "stream", stream, "line", line)
		s.mu.Lock()
		*dst = append(*dst, line)
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("su output truncated", "stream", stream, "error", err)
	}
	io.Copy(io.Discard, r)
}

var _ Runner = (*Exec)(nil)
