package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/uncanny/ai/agents/tools"
	"github.com/hrygo/uncanny/ai/metrics"
	"github.com/hrygo/uncanny/store"
)

// Executor runs the pending calls of a plan in dependency order.
type Executor struct {
	registry    *tools.Registry
	metrics     *metrics.PrometheusExporter
	toolTimeout time.Duration
	maxParallel int64
}

func NewExecutor(registry *tools.Registry, toolTimeout time.Duration, maxParallel int, m *metrics.PrometheusExporter) *Executor {
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Executor{registry: registry, metrics: m, toolTimeout: toolTimeout, maxParallel: int64(maxParallel)}
}

// Execute dispatches calls whose upstream has succeeded, at most maxParallel at a
// time. A failed call skips its dependents; the rest of the plan continues.
// Once ctx is done no further call starts and every pending call is skipped.
// onDone is invoked from the scheduling goroutine after each call settles.
func (e *Executor) Execute(ctx context.Context, plan *Plan, viewer store.Viewer, onDone func(*PlannedCall)) {
	byID := make(map[string]*PlannedCall, len(plan.Calls))
	downstream := map[string][]*PlannedCall{}
	var ready []*PlannedCall
	for _, c := range plan.Calls {
		byID[c.ID] = c
		if c.Status != CallPending {
			continue
		}
		if len(c.DependsOn) == 0 {
			ready = append(ready, c)
			continue
		}
		for _, dep := range c.DependsOn {
			downstream[dep] = append(downstream[dep], c)
		}
	}

	sem := semaphore.NewWeighted(e.maxParallel)
	done := make(chan *PlannedCall, len(plan.Calls))
	running := 0
	settle := func(c *PlannedCall) {
		if onDone != nil {
			onDone(c)
		}
	}

	for len(ready) > 0 || running > 0 {
		for len(ready) > 0 && ctx.Err() == nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			call := ready[0]
			ready = ready[1:]
			var upstream *tools.Output
			if len(call.DependsOn) > 0 {
				upstream = byID[call.DependsOn[0]].Output
			}
			running++
			go func() {
				e.run(ctx, call, upstream, viewer)
				sem.Release(1)
				done <- call
			}()
		}
		if running == 0 {
			break
		}

		call := <-done
		running--
		settle(call)
		for _, next := range downstream[call.ID] {
			if call.Status != CallSucceeded {
				e.cascade(next, fmt.Sprintf("upstream call %s %s", call.ID, call.Status), downstream, settle)
				continue
			}
			ready = append(ready, next)
		}
	}

	if ctx.Err() != nil {
		reason := reasonCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = reasonTimeout
		}
		for _, c := range plan.Calls {
			if c.Status == CallPending {
				c.skip(reason)
				settle(c)
			}
		}
	}
}

// cascade skips c and everything depending on it.
func (e *Executor) cascade(c *PlannedCall, reason string, downstream map[string][]*PlannedCall, settle func(*PlannedCall)) {
	if c.Status != CallPending {
		return
	}
	c.skip(reason)
	settle(c)
	for _, next := range downstream[c.ID] {
		e.cascade(next, fmt.Sprintf("upstream call %s skipped", c.ID), downstream, settle)
	}
}

func (e *Executor) run(ctx context.Context, call *PlannedCall, upstream *tools.Output, viewer store.Viewer) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "orchestrator: tool panicked", "call_id", call.ID, "tool", call.Tool, "panic", r)
			call.Status = CallFailed
			call.Error = fmt.Sprintf("panic: %v", r)
			call.Output = nil
		}
		call.Duration = time.Since(start).Milliseconds()
		e.metrics.RecordToolCall(call.Tool, string(call.Status), time.Since(start))
	}()

	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		call.Status = CallFailed
		call.Error = "unknown tool: " + call.Tool
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()
	output, err := tool.Run(callCtx, &tools.Call{
		ID:       call.ID,
		Args:     call.Args,
		Upstream: upstream,
		Viewer:   viewer,
	})
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		call.Status = CallFailed
		call.Error = callError(ctx, callCtx, err, e.toolTimeout)
		slog.WarnContext(ctx, "orchestrator: tool call failed",
			"call_id", call.ID,
			"tool", call.Tool,
			"error", call.Error,
		)
		return
	}
	if output.ExperienceIDs == nil {
		output.ExperienceIDs = []string{}
	}
	call.Output = output
	call.Status = CallSucceeded
}

// callError describes a failed call, telling its own timeout apart from the turn ending.
func callError(parent, callCtx context.Context, err error, timeout time.Duration) string {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.DeadlineExceeded):
		return reasonTimeout
	case parent.Err() != nil:
		return reasonCancelled
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", timeout)
	}
	return err.Error()
}
