package script

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/wire"
)

const (
	// DefaultCompileErrorExitCode is the exit status a script uses to signal
	// that it could not be loaded.
	DefaultCompileErrorExitCode = 3

	// KindException is the delta kind used to report script failures.
	KindException = "exception"

	maxLineSize   = 16 << 20
	maxStderrSize = 64 << 10
	waitDelay     = 2 * time.Second
)

// ProcessRunner runs the script as a child process.
//
// The RunRequest, uploaded files included, is written to the child's stdin as
// one JSON document. The child prints one JSON delta per stdout line:
//
//	{"path":[0,1],"kind":"new_element","element":{...}}
//
// The exit status decides the run outcome: 0 is success, CompileErrorExitCode
// is a compile error, anything else is a runtime error.
type ProcessRunner struct {
	// Interpreter runs ScriptPath. When empty, ScriptPath is executed
	// directly.
	Interpreter string
	ScriptPath  string
	// Dir is the child's working directory.
	Dir string
	// Env is appended to the parent's environment.
	Env []string
	// CompileErrorExitCode defaults to DefaultCompileErrorExitCode.
	CompileErrorExitCode int
}

type deltaLine struct {
	Path    []int           `json:"path"`
	Kind    string          `json:"kind"`
	Element json.RawMessage `json:"element"`
}

type exceptionBody struct {
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (p *ProcessRunner) command(ctx context.Context) *exec.Cmd {
	var cmd *exec.Cmd
	if p.Interpreter != "" {
		cmd = exec.CommandContext(ctx, p.Interpreter, p.ScriptPath)
	} else {
		cmd = exec.CommandContext(ctx, p.ScriptPath)
	}
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	// Grandchildren can keep the pipes open after a kill.
	cmd.WaitDelay = waitDelay
	return cmd
}

func (p *ProcessRunner) compileErrorExitCode() int {
	if p.CompileErrorExitCode != 0 {
		return p.CompileErrorExitCode
	}
	return DefaultCompileErrorExitCode
}

// Run implements Runner.
func (p *ProcessRunner) Run(ctx context.Context, req RunRequest, emit func(*wire.ForwardMsg)) wire.FinishedStatus {
	input, err := json.Marshal(req)
	if err != nil {
		emitCompileError(emit, fmt.Errorf("encode run request: %w", err))
		return wire.FinishedWithCompileError
	}

	cmd := p.command(ctx)
	cmd.Stdin = bytes.NewReader(input)
	stderr := &limitedBuffer{max: maxStderrSize}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		emitCompileError(emit, fmt.Errorf("stdout pipe: %w", err))
		return wire.FinishedWithCompileError
	}

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return wire.FinishedEarlyForRerun
		}
		emitCompileError(emit, fmt.Errorf("start %s: %w", p.ScriptPath, err))
		return wire.FinishedWithCompileError
	}

	p.readDeltas(stdout, req.ScriptRunID, emit)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return wire.FinishedEarlyForRerun
	}
	if waitErr == nil {
		return wire.FinishedSuccessfully
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == p.compileErrorExitCode() {
		emitCompileError(emit, errors.New(stderr.String()))
		return wire.FinishedWithCompileError
	}

	emitException(emit, waitErr.Error(), stderr.String())
	return wire.FinishedWithRuntimeError
}

func (p *ProcessRunner) readDeltas(r io.Reader, runID string, emit func(*wire.ForwardMsg)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var d deltaLine
		if err := json.Unmarshal(line, &d); err != nil {
			logger.Warnf("[script] run %s: skipping malformed output line: %v", runID, err)
			continue
		}
		if d.Kind == "" {
			logger.Warnf("[script] run %s: skipping output line without kind", runID)
			continue
		}
		emit(wire.NewDeltaMsg(d.Kind, []byte(d.Element), d.Path...))
	}
	if err := scanner.Err(); err != nil {
		logger.Warnf("[script] run %s: reading output: %v", runID, err)
		// Keep draining so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

func emitCompileError(emit func(*wire.ForwardMsg), err error) {
	emit(wire.NewForwardMsg(&wire.SessionEvent{
		Kind:    wire.EventScriptCompilationException,
		Message: err.Error(),
	}))
}

func emitException(emit func(*wire.ForwardMsg), message, trace string) {
	body, _ := json.Marshal(exceptionBody{Message: message, StackTrace: trace})
	emit(wire.NewDeltaMsg(KindException, body))
}
