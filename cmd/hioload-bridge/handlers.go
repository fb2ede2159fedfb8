// File: cmd/hioload-bridge/handlers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-bridge/dispatch"
	"github.com/momentics/hioload-bridge/protocol"
)

// builtinRegistry wires the handlers the binary ships with: an echo tool
// and an external command runner that can ask for approval first.
func builtinRegistry(logger *zap.Logger, approveCommands bool) (*dispatch.Registry, error) {
	b := dispatch.NewBuilder().Use(dispatch.LoggingMiddleware(logger.Named("handler")))
	if err := b.Register(protocol.TypeToolExec, dispatch.HandlerFunc(echoTool)); err != nil {
		return nil, err
	}
	runner := commandRunner{approve: approveCommands, logger: logger.Named("command")}
	if err := b.Register(protocol.TypeCommandExec, runner); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// echoTool returns the request params as the result.
func echoTool(_ context.Context, req *protocol.Envelope, s dispatch.Stream) error {
	var body protocol.ToolExecRequest
	if err := protocol.Unmarshal(req.Payload, &body); err != nil {
		return s.Fail(protocol.CodeInvalidArguments, err.Error())
	}
	if err := s.Started(protocol.Started{Kind: protocol.KindTool, Name: body.Tool}); err != nil {
		return err
	}
	result, err := protocol.Marshal(body.Params)
	if err != nil {
		return err
	}
	return s.Complete(protocol.Completed{Result: result})
}

// maxLineBytes bounds one streamed output line.
const maxLineBytes = 1 << 20

type commandRunner struct {
	approve bool
	logger  *zap.Logger
}

// Handle runs the command and streams its output lines as Progress. A
// non-zero exit status still completes the stream with that exit code.
func (r commandRunner) Handle(ctx context.Context, req *protocol.Envelope, s dispatch.Stream) error {
	var body protocol.CommandExecRequest
	if err := protocol.Unmarshal(req.Payload, &body); err != nil {
		return s.Fail(protocol.CodeInvalidArguments, err.Error())
	}
	if body.Command == "" {
		return s.Fail(protocol.CodeInvalidArguments, "empty command")
	}
	if r.approve {
		resp, err := s.RequestApproval(ctx, protocol.ApprovalRequest{
			Operation: "command_exec",
			Target:    body.Command,
			Details:   map[string]string{"args": strings.Join(body.Args, " "), "cwd": body.Cwd},
			Risk:      "medium",
		})
		if err != nil {
			return err
		}
		if !resp.Approved {
			return s.Fail(protocol.CodePermissionDenied, "command rejected: "+resp.Reason)
		}
	}

	cmd := exec.CommandContext(ctx, body.Command, body.Args...)
	cmd.Dir = body.Cwd
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := s.Started(protocol.Started{Kind: protocol.KindCommand, Command: body.Command, Args: body.Args}); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		code := protocol.CodeExecutionFailed
		if errors.Is(err, exec.ErrNotFound) {
			code = protocol.CodeNotFound
		}
		return s.Fail(code, err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.streamLines(&wg, s, stdout, protocol.StreamStdout)
	go r.streamLines(&wg, s, stderr, protocol.StreamStderr)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return s.Complete(protocol.Completed{})
	case errors.As(err, &exitErr):
		return s.Complete(protocol.Completed{ExitCode: exitErr.ExitCode()})
	default:
		return err
	}
}

// streamLines forwards src line by line. Once a line cannot be read the
// rest of src is discarded so the child never blocks on a full pipe.
func (r commandRunner) streamLines(wg *sync.WaitGroup, s dispatch.Stream, src io.Reader, tag protocol.StreamTag) {
	defer wg.Done()
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		_ = s.Progress(protocol.Progress{Kind: protocol.KindCommand, Stream: tag, Line: sc.Text()})
	}
	if err := sc.Err(); err != nil {
		r.logger.Warn("command output truncated", zap.String("stream", string(tag)), zap.Error(err))
		_ = s.Progress(protocol.Progress{Kind: protocol.KindCommand, Stream: tag, Message: "output truncated: " + err.Error()})
		_, _ = io.Copy(io.Discard, src)
	}
}
