package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/host"
	"github.com/muxden/muxden/internal/provider"
	"github.com/muxden/muxden/pkg/agentstore"
)

// EnforceOptions selects which policies the sweep applies.
type EnforceOptions struct {
	// Providers restricts the sweep; empty means all configured.
	Providers     []string
	CheckIdle     bool
	CheckTimeouts bool
	// Timeouts overrides the configured enforce timeouts field by field;
	// zero fields keep the configured values.
	Timeouts config.EnforceConfig
	DryRun   bool
	// ErrorBehavior is abort or continue; retry_until is not meaningful
	// for a sweep.
	ErrorBehavior OnError
}

// EnforceAction records one corrective action the sweep took or, in dry-run
// mode, would take.
type EnforceAction struct {
	Provider string `json:"provider"`
	HostID   string `json:"host_id"`
	HostName string `json:"host_name"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// EnforceResult summarizes one sweep.
type EnforceResult struct {
	Actions           []EnforceAction `json:"actions"`
	HostsChecked      int             `json:"hosts_checked"`
	IdleViolations    int             `json:"idle_violations"`
	TimeoutViolations int             `json:"timeout_violations"`
	Errors            []string        `json:"errors,omitempty"`
}

// Enforce sweeps every host of the selected providers, checking idle age
// against the idle timeout and in-progress state transitions against their
// state-specific timeouts. Providers are swept in parallel.
func (e *Engine) Enforce(ctx context.Context, opts EnforceOptions) (*EnforceResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.enforce",
		attribute.Bool("dry_run", opts.DryRun))
	defer span.End()

	timeouts := e.effectiveTimeouts(opts.Timeouts)
	selected := map[string]bool{}
	for _, p := range opts.Providers {
		selected[p] = true
	}

	insts, errs := e.Instances()

	var mu sync.Mutex
	result := &EnforceResult{Errors: errs}

	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		if len(selected) > 0 && !selected[string(inst.Name())] {
			continue
		}
		inst := inst
		g.Go(func() error {
			sweepErr := e.sweepProvider(ctx, inst, opts, timeouts, result, &mu)
			if sweepErr != nil && opts.ErrorBehavior != OnErrorContinue {
				return sweepErr
			}
			if sweepErr != nil {
				mu.Lock()
				result.Errors = append(result.Errors,
					fmt.Sprintf("provider %s: %v", inst.Name(), sweepErr))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) effectiveTimeouts(override config.EnforceConfig) config.EnforceConfig {
	out := e.cfg.Enforce
	if override.BuildingTimeoutSeconds > 0 {
		out.BuildingTimeoutSeconds = override.BuildingTimeoutSeconds
	}
	if override.StartingTimeoutSeconds > 0 {
		out.StartingTimeoutSeconds = override.StartingTimeoutSeconds
	}
	if override.StoppingTimeoutSeconds > 0 {
		out.StoppingTimeoutSeconds = override.StoppingTimeoutSeconds
	}
	if override.IdleTimeoutSeconds > 0 {
		out.IdleTimeoutSeconds = override.IdleTimeoutSeconds
	}
	return out
}

func (e *Engine) sweepProvider(ctx context.Context, inst provider.Instance, opts EnforceOptions, timeouts config.EnforceConfig, result *EnforceResult, mu *sync.Mutex) error {
	hosts, err := inst.ListHosts(ctx, e.group, false)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		mu.Lock()
		result.HostsChecked++
		mu.Unlock()

		if opts.CheckTimeouts {
			e.checkTransitionTimeout(inst, h, timeouts, result, mu)
		}
		if opts.CheckIdle {
			e.checkIdle(ctx, inst, h, opts, timeouts, result, mu)
		}
	}
	return nil
}

// checkTransitionTimeout flags hosts stuck in a transitional state longer
// than that state's timeout. No corrective action is taken; the violation
// is recorded for the operator.
func (e *Engine) checkTransitionTimeout(inst provider.Instance, h host.Host, timeouts config.EnforceConfig, result *EnforceResult, mu *sync.Mutex) {
	rec := h.Record()
	if rec.StateSince.IsZero() {
		return
	}

	var limit time.Duration
	switch rec.State {
	case agentstore.HostBuilding:
		limit = timeouts.BuildingTimeout()
	case agentstore.HostStarting:
		limit = timeouts.StartingTimeout()
	case agentstore.HostStopping:
		limit = timeouts.StoppingTimeout()
	default:
		return
	}
	age := time.Since(rec.StateSince)
	if limit <= 0 || age <= limit {
		return
	}

	mu.Lock()
	result.TimeoutViolations++
	result.Actions = append(result.Actions, EnforceAction{
		Provider: string(inst.Name()),
		HostID:   h.ID(),
		HostName: h.Name(),
		Action:   "record_error",
		Reason: fmt.Sprintf("host in %s for %s, limit %s",
			rec.State, age.Round(time.Second), limit),
	})
	mu.Unlock()

	e.logger.WithHostID(h.ID()).Warn("host transition timeout",
		zap.String("state", string(rec.State)),
		zap.Duration("age", age))
}

// checkIdle stops hosts whose newest agent activity is older than the idle
// timeout. Local hosts are never idle-stopped.
func (e *Engine) checkIdle(ctx context.Context, inst provider.Instance, h host.Host, opts EnforceOptions, timeouts config.EnforceConfig, result *EnforceResult, mu *sync.Mutex) {
	if h.IsLocal() || h.Record().State != agentstore.HostRunning {
		return
	}

	idleSeconds := inst.IdleTimeoutSeconds()
	if idleSeconds <= 0 {
		idleSeconds = timeouts.IdleTimeoutSeconds
	}
	if idleSeconds <= 0 {
		return
	}
	idleLimit := time.Duration(idleSeconds) * time.Second

	last, ok := e.lastHostActivity(ctx, inst, h)
	if !ok {
		return
	}
	age := time.Since(last)
	if age <= idleLimit {
		return
	}

	action := EnforceAction{
		Provider: string(inst.Name()),
		HostID:   h.ID(),
		HostName: h.Name(),
		Action:   "stop_host",
		Reason: fmt.Sprintf("idle for %s, limit %s",
			age.Round(time.Second), idleLimit),
	}

	mu.Lock()
	result.IdleViolations++
	mu.Unlock()

	if !inst.Capabilities().ShutdownHosts {
		action.Action = "record_error"
		action.Reason += " (backend cannot stop hosts)"
		mu.Lock()
		result.Actions = append(result.Actions, action)
		mu.Unlock()
		return
	}

	mu.Lock()
	result.Actions = append(result.Actions, action)
	mu.Unlock()

	if opts.DryRun {
		return
	}
	if err := inst.StopHost(ctx, h.ID()); err != nil {
		mu.Lock()
		result.Errors = append(result.Errors,
			fmt.Sprintf("stopping idle host %s: %v", h.Name(), err))
		mu.Unlock()
		return
	}
	e.logger.WithHostID(h.ID()).Info("stopped idle host",
		zap.String("host", h.Name()),
		zap.Duration("idle", age))
}

// lastHostActivity is the newest activity mtime across the host's agents,
// falling back to the host's state-entry time when no agent has ever seen
// an attach.
func (e *Engine) lastHostActivity(ctx context.Context, inst provider.Instance, h host.Host) (time.Time, bool) {
	store, _, err := e.storeFor(ctx, inst, h)
	if err != nil {
		return time.Time{}, false
	}
	records, err := store.ListAgents(ctx)
	if err != nil {
		return time.Time{}, false
	}

	var last time.Time
	for _, rec := range records {
		t, err := store.LastActivity(ctx, rec.ID)
		if err == nil && t.After(last) {
			last = t
		}
	}
	if last.IsZero() {
		last = h.Record().StateSince
	}
	if last.IsZero() {
		return time.Time{}, false
	}
	return last, true
}
