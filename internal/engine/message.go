package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/pkg/agentstore"
)

// OnError selects how multi-agent operations react to a per-agent failure.
type OnError string

const (
	OnErrorAbort      OnError = "abort"
	OnErrorContinue   OnError = "continue"
	OnErrorRetryUntil OnError = "retry_until"
)

// messageRetryInterval spaces retry_until attempts.
const messageRetryInterval = 5 * time.Second

// MessageFailure records one agent the message did not reach.
type MessageFailure struct {
	Name string `json:"name"`
	Err  string `json:"error"`
}

// MessageResult reports per-agent message delivery.
type MessageResult struct {
	Successful []string         `json:"successful"`
	Failed     []MessageFailure `json:"failed,omitempty"`
}

// Message types content into each agent's session. With abort the first
// failure stops the sweep; continue collects failures; retry_until keeps
// retrying a failing agent until delivery or cancellation.
func (e *Engine) Message(ctx context.Context, refs []string, content string, onError OnError) (*MessageResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.message",
		attribute.Int("agent_count", len(refs)))
	defer span.End()

	if content == "" {
		return nil, apperrors.UserInput("message content is required")
	}
	if onError == "" {
		onError = OnErrorAbort
	}

	result := &MessageResult{}
	for _, ref := range refs {
		err := e.messageOne(ctx, ref, content)
		if err != nil && onError == OnErrorRetryUntil {
			err = e.retryMessage(ctx, ref, content)
		}
		if err == nil {
			result.Successful = append(result.Successful, ref)
			continue
		}
		result.Failed = append(result.Failed, MessageFailure{Name: ref, Err: err.Error()})
		if onError == OnErrorAbort {
			return result, apperrors.Wrap(err, fmt.Sprintf("messaging agent %q", ref))
		}
	}
	return result, nil
}

func (e *Engine) messageOne(ctx context.Context, ref, content string) error {
	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return err
	}
	unlock := e.lockAgent(loc.rec.ID)
	defer unlock()
	return e.sendMessage(ctx, loc, content)
}

func (e *Engine) retryMessage(ctx context.Context, ref, content string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.group.ShutdownEvent().Done():
			return apperrors.State("shutdown requested")
		case <-time.After(messageRetryInterval):
		}
		err := e.messageOne(ctx, ref, content)
		if err == nil {
			return nil
		}
		e.logger.Debug("message retry failed", zap.String("agent", ref), zap.Error(err))
	}
}

// sendMessage types content into the agent's pane after the configured
// delay, giving the agent time to draw its prompt first.
func (e *Engine) sendMessage(ctx context.Context, loc *location, content string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.group.ShutdownEvent().Done():
		return apperrors.State("shutdown requested")
	case <-time.After(messageDelay):
	}

	online, err := loc.requireOnline(ctx)
	if err != nil {
		return err
	}
	session := loc.sessionName(e.cfg.Prefix)
	alive, err := online.Tmux().HasSession(ctx, session)
	if err != nil {
		return err
	}
	if !alive {
		return apperrors.State(fmt.Sprintf("agent %q has no running session", loc.rec.Name))
	}
	if err := online.Tmux().SendKeys(ctx, "="+session, content); err != nil {
		return apperrors.Provider("sending message", err)
	}

	// Input makes the agent busy again; the agent recreates the marker
	// when it next waits for input.
	_ = loc.store.AgentVolume(loc.rec.ID).RemoveFile(ctx, "waiting")
	if loc.rec.State == agentstore.AgentWaiting {
		loc.rec.State = agentstore.AgentRunning
		if err := loc.store.WriteAgent(ctx, loc.rec); err != nil {
			e.logger.Warn("recording agent state after message", zap.Error(err))
		}
	}
	return nil
}

// ExecOptions tunes a one-shot command in an agent's working directory.
type ExecOptions struct {
	User           string
	Dir            string // defaults to the agent's work_dir
	Timeout        time.Duration
	StartIfStopped bool
}

// ExecResult is the captured outcome of an exec.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
	Success    bool   `json:"success"`
}

// Exec runs a command on the agent's host, rooted in its working directory.
func (e *Engine) Exec(ctx context.Context, ref string, command []string, opts ExecOptions) (*ExecResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.exec",
		attribute.String("agent_ref", ref))
	defer span.End()

	if len(command) == 0 {
		return nil, apperrors.UserInput("exec command is required")
	}

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if opts.StartIfStopped && e.deriveState(ctx, loc) == agentstore.AgentStopped {
		if _, err := e.Start(ctx, ref, ""); err != nil {
			return nil, err
		}
		if loc, err = e.findAgent(ctx, ref); err != nil {
			return nil, err
		}
	}
	online, err := loc.requireOnline(ctx)
	if err != nil {
		return nil, err
	}

	dir := opts.Dir
	if dir == "" {
		dir = loc.rec.WorkDir
	}
	res, err := online.ExecuteCommand(ctx, command, &host.ExecOptions{
		Timeout: opts.Timeout,
		Dir:     dir,
		User:    opts.User,
	})
	if err != nil {
		return nil, err
	}
	return &ExecResult{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ReturnCode: res.ReturnCode,
		Success:    res.Success,
	}, nil
}
