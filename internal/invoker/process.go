package invoker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// runProcess spawns name in its own process group, writes the packaged
// context to stdin and streams its output. On timeout or cancellation the
// group receives SIGTERM, then SIGKILL after the kill grace.
func (i *Invoker) runProcess(parent context.Context, cfg *transport.Config, ec *execctx.Context, name string, args []string, res *Result) {
	payload, err := ec.PackageJSON()
	if err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("encoding payload: %v", err))
		return
	}

	timeout := timeoutFor(cfg, ec)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = processDir(cfg, ec)
	cmd.Env = processEnv(cfg, ec)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("starting %s: %v", name, err))
		return
	}

	go func() {
		// A child that never reads stdin gets EPIPE here; that is fine.
		_, _ = stdin.Write(payload)
		_ = stdin.Close()
	}()

	var (
		stdout, stderr strings.Builder
		readers        sync.WaitGroup
	)
	readers.Add(2)
	go func() {
		defer readers.Done()
		i.stream(ctx, ec, events.KindStdout, stdoutPipe, &stdout)
	}()
	go func() {
		defer readers.Done()
		i.stream(ctx, ec, events.KindStderr, stderrPipe, &stderr)
	}()

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		i.stop(cmd, done, stdoutPipe, stderrPipe)
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		classifyDone(parent, res, timeout)
		i.logger.Info("agent process stopped",
			zap.String("execution_id", ec.ExecutionID),
			zap.String("status", string(res.Status)),
		)
		return
	}

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.ExitCode = exitCode(cmd, waitErr)
	if artifact, ok := parseWholeJSON(res.Stdout); ok {
		res.Artifact = artifact
	}

	if res.ExitCode != 0 {
		msg := fmt.Sprintf("process exited with code %d", res.ExitCode)
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("waiting for process: %v", waitErr)
		}
		res.fail(StatusFailure, ErrTypeError, msg)
		return
	}
	res.succeed()
}

// stop escalates from SIGTERM to SIGKILL and, if output pipes are still
// held open by an escaped grandchild, closes them so Wait can return.
func (i *Invoker) stop(cmd *exec.Cmd, done <-chan error, pipes ...io.Closer) {
	if err := terminateGroup(cmd); err != nil {
		i.logger.Debug("terminate failed", zap.Error(err))
	}
	select {
	case <-done:
		return
	case <-time.After(i.killGrace):
	}

	if err := killGroup(cmd); err != nil {
		i.logger.Debug("kill failed", zap.Error(err))
	}
	select {
	case <-done:
		return
	case <-time.After(i.killGrace):
	}

	for _, p := range pipes {
		_ = p.Close()
	}
	<-done
}

// stream copies r line by line into buf and emits each line as an event.
func (i *Invoker) stream(ctx context.Context, ec *execctx.Context, kind events.Kind, r io.Reader, buf *strings.Builder) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			buf.WriteString(line)
			i.emit(ctx, ec, kind, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func processDir(cfg *transport.Config, ec *execctx.Context) string {
	if cfg.Params.Cwd != "" {
		return cfg.Params.Cwd
	}
	return ec.Paths.Root
}

func processEnv(cfg *transport.Config, ec *execctx.Context) []string {
	env := ec.EnvList()
	for k, v := range cfg.Params.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return ExitUnavailable
	}
	return 0
}

// parseWholeJSON decodes text as a single JSON value.
func parseWholeJSON(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	return v, true
}
