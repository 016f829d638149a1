// engine.go is the strategy supervisor and registry.
//
// The registry is the authoritative liveness source: a strategy is running iff
// its Runner is registered here, regardless of the persisted status field
// (which records intent and survives restarts for auto-start). Runner panics
// are recovered, logged to the strategy event log, persisted as status=error,
// and the Runner is relaunched up to a bounded number of times.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/led0r/poly-copy/internal/store"
)

var (
	// ErrAlreadyRunning is returned by StartStrategy for a live Runner.
	ErrAlreadyRunning = errors.New("strategy already running")

	// ErrNotRunning is returned when no live Runner exists for the id.
	ErrNotRunning = errors.New("strategy not running")
)

const (
	// maxRunnerRestarts bounds the supervised restarts after Runner panics;
	// beyond it the strategy stays in error state until the operator
	// restarts it.
	maxRunnerRestarts = 5

	runnerRestartBackoff = time.Second
)

type runnerHandle struct {
	runner *Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine supervises Runners.
type Engine struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	runners map[uint]*runnerHandle

	baseCtx context.Context
}

// NewEngine creates the supervisor. baseCtx bounds every Runner's lifetime.
func NewEngine(baseCtx context.Context, deps Deps) *Engine {
	return &Engine{
		deps:    deps,
		logger:  deps.Logger.With("component", "strategy_engine"),
		runners: make(map[uint]*runnerHandle),
		baseCtx: baseCtx,
	}
}

// StartStrategy launches a Runner for the strategy id.
func (e *Engine) StartStrategy(id uint) error {
	e.mu.Lock()
	if _, ok := e.runners[id]; ok {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.mu.Unlock()

	st, err := e.deps.Store.GetStrategy(id)
	if err != nil {
		return err
	}

	runner, err := NewRunner(st, e.deps)
	if err != nil {
		// Init failure: record and persist the error state.
		if serr := e.deps.Store.UpdateStrategyStatus(id, store.StrategyError); serr != nil {
			e.logger.Warn("persist error status", "strategy_id", id, "error", serr)
		}
		if serr := e.deps.Store.AppendStrategyEvent(id, store.EventError, err.Error(), nil); serr != nil {
			e.logger.Warn("append init error event", "strategy_id", id, "error", serr)
		}
		return err
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	handle := &runnerHandle{runner: runner, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.runners[id] = handle
	e.mu.Unlock()

	go e.supervise(ctx, id, handle)

	e.logger.Info("strategy started", "strategy_id", id, "name", st.Name, "paper", st.PaperMode)
	return nil
}

// supervise runs the Runner and restarts it after panics, up to
// maxRunnerRestarts. The strategy stays registered across restarts; the
// error state is persisted before each relaunch so it survives if the
// restart budget runs out.
func (e *Engine) supervise(ctx context.Context, id uint, handle *runnerHandle) {
	defer close(handle.done)
	defer func() {
		e.mu.Lock()
		delete(e.runners, id)
		e.mu.Unlock()
	}()

	restarts := 0
	for {
		panicErr := e.runRecovered(ctx, handle)
		if panicErr == nil || ctx.Err() != nil {
			return
		}

		e.logger.Error("runner panicked", "strategy_id", id, "error", panicErr, "restarts", restarts)
		if err := e.deps.Store.UpdateStrategyStatus(id, store.StrategyError); err != nil {
			e.logger.Warn("persist error status", "strategy_id", id, "error", err)
		}
		if err := e.deps.Store.AppendStrategyEvent(id, store.EventError,
			fmt.Sprintf("runner crashed: %v", panicErr), nil); err != nil {
			e.logger.Warn("append crash event", "strategy_id", id, "error", err)
		}

		restarts++
		if restarts > maxRunnerRestarts {
			e.logger.Error("runner restart budget exhausted", "strategy_id", id)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(runnerRestartBackoff):
		}

		st, err := e.deps.Store.GetStrategy(id)
		if err != nil {
			e.logger.Error("reload strategy for restart", "strategy_id", id, "error", err)
			return
		}
		runner, err := NewRunner(st, e.deps)
		if err != nil {
			e.logger.Error("rebuild runner for restart", "strategy_id", id, "error", err)
			return
		}

		e.mu.Lock()
		handle.runner = runner
		e.mu.Unlock()
		e.logger.Info("restarting runner after crash", "strategy_id", id, "attempt", restarts)
	}
}

// runRecovered executes one Runner lifetime and converts a panic into an
// error return. Run's own error returns are terminal, not restartable.
func (e *Engine) runRecovered(ctx context.Context, handle *runnerHandle) (panicErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			panicErr = fmt.Errorf("panic: %v", rec)
		}
	}()

	e.mu.Lock()
	runner := handle.runner
	e.mu.Unlock()

	if err := runner.Run(ctx); err != nil {
		e.logger.Error("runner exited with error", "strategy_id", runner.strategy.ID, "error", err)
	}
	return nil
}

// StopStrategy terminates the Runner and waits briefly for it to wind down.
func (e *Engine) StopStrategy(id uint) error {
	e.mu.Lock()
	handle, ok := e.runners[id]
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	handle.cancel()
	select {
	case <-handle.done:
	case <-time.After(10 * time.Second):
		e.logger.Warn("runner slow to stop", "strategy_id", id)
	}
	return nil
}

// PauseStrategy suspends signal evaluation for a live Runner.
func (e *Engine) PauseStrategy(id uint) error {
	e.mu.Lock()
	handle, ok := e.runners[id]
	var runner *Runner
	if ok {
		runner = handle.runner
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	runner.Pause()
	return nil
}

// ResumeStrategy re-enables signal evaluation.
func (e *Engine) ResumeStrategy(id uint) error {
	e.mu.Lock()
	handle, ok := e.runners[id]
	var runner *Runner
	if ok {
		runner = handle.runner
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	runner.Resume()
	return nil
}

// IsRunning peeks the registry.
func (e *Engine) IsRunning(id uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[id]
	return ok
}

// RunningIDs lists the live Runner ids.
func (e *Engine) RunningIDs() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint, 0, len(e.runners))
	for id := range e.runners {
		out = append(out, id)
	}
	return out
}

// DiscoveredTokens proxies a snapshot request to a live Runner; empty when
// the Runner is gone or busy.
func (e *Engine) DiscoveredTokens(id uint) []string {
	e.mu.Lock()
	handle, ok := e.runners[id]
	var runner *Runner
	if ok {
		runner = handle.runner
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return runner.DiscoveredTokens()
}

// AutoStart launches every strategy whose persisted intent is "running".
// Called once at boot.
func (e *Engine) AutoStart() {
	rows, err := e.deps.Store.RunningStrategies()
	if err != nil {
		e.logger.Error("auto-start query failed", "error", err)
		return
	}
	for _, st := range rows {
		if err := e.StartStrategy(st.ID); err != nil {
			e.logger.Error("auto-start failed", "strategy_id", st.ID, "error", err)
		}
	}
	if len(rows) > 0 {
		e.logger.Info("auto-started strategies", "count", len(rows))
	}
}

// StopAll terminates every live Runner (shutdown path).
func (e *Engine) StopAll() {
	for _, id := range e.RunningIDs() {
		if err := e.StopStrategy(id); err != nil && !errors.Is(err, ErrNotRunning) {
			e.logger.Warn("stop strategy", "strategy_id", id, "error", err)
		}
	}
}
