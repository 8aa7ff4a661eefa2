package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type stepResult struct {
	stage    int
	produced bool
	err      error
}

// engineLoop is the background task. It owns one RequestTracker for its
// whole life; every Start builds a new loop.
//
// States: new -> idle <-> stepping; stepping -> draining -> dead on a fatal
// error; any -> draining -> stopped on shutdown. The terminal state is set by
// the AsyncEngine once run has returned.
type engineLoop struct {
	backend      ComputeBackend
	tracker      *RequestTracker
	builder      *outputBuilder
	steppers     []*stepper
	timeout      time.Duration
	drainTimeout time.Duration
	log          zerolog.Logger

	mu    sync.Mutex
	state LoopState

	admitMu sync.Mutex
}

func newEngineLoop(cfg EngineConfig, tracker *RequestTracker) *engineLoop {
	l := &engineLoop{
		backend:      cfg.Backend,
		tracker:      tracker,
		builder:      newOutputBuilder(),
		timeout:      cfg.IterationTimeout,
		drainTimeout: cfg.DrainTimeout,
		log:          cfg.Logger.With().Str("component", "engine_loop").Logger(),
		state:        LoopNew,
	}
	n := cfg.Backend.Stages()
	if n < 1 {
		n = 1
	}
	l.steppers = make([]*stepper, n)
	for stage := range n {
		l.steppers[stage] = newStepper(stage, cfg.Backend, tracker, l.builder, &l.admitMu, l.log)
	}
	return l
}

func (l *engineLoop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	observeLoopState(s)
}

func (l *engineLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// run drives the steppers until ctx is canceled or a step fails. It always
// returns a non-nil error; see stoppedGracefully.
// On a fatal error every tracked stream receives it before in-flight steps
// are drained, so no caller waits on a wedged stage.
func (l *engineLoop) run(ctx context.Context) (err error) {
	n := len(l.steppers)
	inProgress := make([]bool, n)
	// At most one outstanding step per stage, so sends never block.
	results := make(chan stepResult, n)
	stepCtx, cancelSteps := context.WithCancel(ctx)
	var wg sync.WaitGroup

	defer func() {
		if !stoppedGracefully(ctx, err) {
			l.tracker.PropagateException(err, "")
		}
		l.drain(cancelSteps, &wg)
	}()

	launch := func(stage int) {
		inProgress[stage] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			produced, err := l.steppers[stage].step(stepCtx)
			results <- stepResult{stage: stage, produced: produced, err: err}
		}()
	}

	l.setState(LoopIdle)
	for {
		if !slices.Contains(inProgress, true) {
			l.setState(LoopIdle)
			// Remote workers otherwise block in collective ops waiting for
			// work that is not coming.
			if err := l.backend.StopIdleWorkers(ctx); err != nil {
				return l.fatal(ctx, fmt.Errorf("stop idle workers: %w", err))
			}
			l.log.Debug().Msg("waiting for new requests")
			if err := l.tracker.WaitForNewRequests(ctx); err != nil {
				return err
			}
			l.log.Debug().Msg("got new requests")
			l.setState(LoopStepping)
			for stage := range n {
				launch(stage)
			}
		}

		done, err := l.waitFirst(ctx, results)
		if err != nil {
			return err
		}
		for _, r := range done {
			inProgress[r.stage] = false
			if r.err != nil {
				return l.fatal(ctx, r.err)
			}
			more, err := l.backend.HasUnfinishedRequests(ctx, r.stage)
			if err != nil {
				return l.fatal(ctx, fmt.Errorf("unfinished requests stage %d: %w", r.stage, err))
			}
			if r.produced || more {
				launch(r.stage)
			}
		}
		runtime.Gosched()
	}
}

// waitFirst blocks until at least one step completes and collects any others
// that are already done.
func (l *engineLoop) waitFirst(ctx context.Context, results <-chan stepResult) ([]stepResult, error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	var first stepResult
	select {
	case first = <-results:
	case <-timer.C:
		iterationTimeoutsTotal.Inc()
		l.log.Error().Dur("timeout", l.timeout).Msg("engine iteration timed out")
		return nil, fmt.Errorf("%w after %s", ErrIterationTimeout, l.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	done := []stepResult{first}
	for {
		select {
		case r := <-results:
			done = append(done, r)
		default:
			return done, nil
		}
	}
}

// stoppedGracefully reports whether run returned because of shutdown. A step
// failure that was already recorded stays fatal even if shutdown raced it.
func stoppedGracefully(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// fatal prefers the shutdown cause over errors it provoked in the backend.
func (l *engineLoop) fatal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
		return ctxErr
	}
	return err
}

// drain cancels in-flight steps and waits for them, bounded by drainTimeout.
func (l *engineLoop) drain(cancel context.CancelFunc, wg *sync.WaitGroup) {
	l.setState(LoopDraining)
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(l.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.log.Warn().Dur("timeout", l.drainTimeout).Msg("abandoning in-flight steps")
	}
}
