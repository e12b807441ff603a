package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/metrics"
)

const (
	defaultToolTimeout = 30 * time.Second
	// completed ids are remembered so a redelivery is still recognized.
	defaultRemember = 4096
)

// Sender delivers a result to the session that asked for it.
type Sender func(types.ToolResult) error

type Config struct {
	Timeout  time.Duration
	Remember int
}

type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnResult, when set, observes every result after it was sent.
	OnResult func(inv types.ToolInvocation, result types.ToolResult, sendErr error)
}

type job struct {
	inv  types.ToolInvocation
	key  string
	send Sender
}

// Bridge executes invocations one at a time in arrival order. Each
// invocation id is handled at most once and yields exactly one result.
type Bridge struct {
	registry *Registry
	cfg      Config
	deps     Deps

	mu      sync.Mutex
	queue   []job
	seen    map[string]bool // true once the result was produced
	doneIDs []string
	closed  bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBridge(registry *Registry, cfg Config, deps Deps) *Bridge {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultToolTimeout
	}
	if cfg.Remember <= 0 {
		cfg.Remember = defaultRemember
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		registry: registry,
		cfg:      cfg,
		deps:     deps,
		seen:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Registry returns the handlers the bridge dispatches to.
func (b *Bridge) Registry() *Registry { return b.registry }

// Submit queues invocations. Ids already pending or answered are skipped.
// It returns how many were accepted.
func (b *Bridge) Submit(invocations []types.ToolInvocation, send Sender) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		for _, inv := range invocations {
			b.deps.Logger.Warn("tool call after bridge closed", "tool", inv.Name, "call_id", inv.ID)
		}
		return 0
	}
	accepted := 0
	for _, inv := range invocations {
		id := strings.TrimSpace(inv.ID)
		if id == "" {
			b.deps.Logger.Warn("tool call without id dropped", "tool", inv.Name)
			continue
		}
		if answered, dup := b.seen[id]; dup {
			b.deps.Logger.Debug("duplicate tool call ignored", "tool", inv.Name, "call_id", id, "answered", answered)
			continue
		}
		b.seen[id] = false
		b.queue = append(b.queue, job{inv: inv, key: id, send: send})
		accepted++
	}
	if accepted > 0 {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return accepted
}

// Pending counts queued invocations not yet started.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close cancels a running handler, answers every queued invocation with an
// error result, and waits for the worker to exit.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	<-b.done
}

func (b *Bridge) run() {
	defer close(b.done)
	for {
		next, ok := b.next()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.ctx.Done():
				b.drain()
				return
			}
		}
		if b.ctx.Err() != nil {
			b.finish(next, types.ErrorResult(next.inv, "session ended before the tool ran"))
			b.drain()
			return
		}
		b.finish(next, b.execute(next.inv))
	}
}

func (b *Bridge) next() (job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return job{}, false
	}
	j := b.queue[0]
	b.queue[0] = job{}
	b.queue = b.queue[1:]
	return j, true
}

func (b *Bridge) drain() {
	for {
		j, ok := b.next()
		if !ok {
			return
		}
		b.finish(j, types.ErrorResult(j.inv, "session ended before the tool ran"))
	}
}

func (b *Bridge) finish(j job, result types.ToolResult) {
	var sendErr error
	if j.send != nil {
		sendErr = j.send(result)
	}
	if sendErr != nil {
		b.deps.Logger.Warn("tool result not delivered", "tool", j.inv.Name, "call_id", j.inv.ID, "err", sendErr)
	}

	b.mu.Lock()
	b.seen[j.key] = true
	b.doneIDs = append(b.doneIDs, j.key)
	for len(b.doneIDs) > b.cfg.Remember {
		delete(b.seen, b.doneIDs[0])
		b.doneIDs = b.doneIDs[1:]
	}
	b.mu.Unlock()

	if b.deps.OnResult != nil {
		b.deps.OnResult(j.inv, result, sendErr)
	}
}

func (b *Bridge) execute(inv types.ToolInvocation) (result types.ToolResult) {
	start := time.Now()
	outcome := "ok"
	logger := b.deps.Logger.With("tool", inv.Name, "call_id", inv.ID)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool handler panicked", "panic", r)
			result = types.ErrorResult(inv, fmt.Sprintf("tool %q failed: internal error", inv.Name))
			outcome = "panic"
		}
		b.deps.Metrics.RecordToolCall(inv.Name, outcome, time.Since(start))
	}()

	handler, ok := b.registry.Lookup(strings.TrimSpace(inv.Name))
	if !ok {
		outcome = "unknown_tool"
		logger.Warn("no handler registered for tool")
		return types.ErrorResult(inv, fmt.Sprintf("tool %q is not available", inv.Name))
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()
	out, err := handler.Handle(ctx, inv)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		logger.Warn("tool handler timed out", "timeout", b.cfg.Timeout)
		return types.ErrorResult(inv, "tool execution timed out")
	case err != nil:
		outcome = "error"
		toolErr := core.NewToolError(inv.Name, err)
		logger.Warn("tool handler failed", "err", err)
		return types.ErrorResult(inv, toolErr.Error())
	}
	if out == nil {
		out = map[string]any{"ok": true}
	}
	logger.Debug("tool handled", "duration", time.Since(start))
	return types.ToolResult{ID: inv.ID, Name: inv.Name, Result: out}
}
