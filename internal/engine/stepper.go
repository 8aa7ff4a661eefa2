package engine

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// stepper drives one pipeline stage. The loop never runs two steps of the
// same stage at once, so a stepper needs no locking of its own beyond the
// admission lock it shares with the other stages.
type stepper struct {
	stage   int
	label   string
	backend ComputeBackend
	tracker *RequestTracker
	builder *outputBuilder
	log     zerolog.Logger

	// admitMu is held from a tracker drain until its admissions and aborts
	// have reached the backend, so drain windows reach it in order.
	admitMu *sync.Mutex
}

func newStepper(stage int, backend ComputeBackend, tracker *RequestTracker, builder *outputBuilder, admitMu *sync.Mutex, log zerolog.Logger) *stepper {
	return &stepper{
		stage:   stage,
		label:   strconv.Itoa(stage),
		backend: backend,
		tracker: tracker,
		builder: builder,
		admitMu: admitMu,
		log:     log.With().Int("stage", stage).Logger(),
	}
}

// step drains the tracker into the backend, runs one iteration of this stage
// and routes the results. It reports whether any output was produced. Errors
// returned here are fatal for the loop; validation failures are not.
func (s *stepper) step(ctx context.Context) (bool, error) {
	start := time.Now()
	newReqs, finished, err := s.forward(ctx)
	if err != nil {
		return false, err
	}

	batch, err := s.backend.Schedule(ctx, s.stage)
	if err != nil {
		return false, fmt.Errorf("schedule stage %d: %w", s.stage, err)
	}
	var raw []RawOutput
	if !batch.IsEmpty() {
		raw, err = s.backend.ExecuteModel(ctx, batch)
		if err != nil {
			return false, fmt.Errorf("execute stage %d: %w", s.stage, err)
		}
		batchSize.WithLabelValues(s.label).Observe(float64(len(batch.Sequences)))
	}

	outs := s.builder.build(batch, raw, time.Now())
	for _, out := range outs {
		s.tracker.ProcessOutput(out)
	}
	liveRequests.Set(float64(s.tracker.Len()))

	dur := time.Since(start)
	stepDuration.WithLabelValues(s.label).Observe(dur.Seconds())
	if !batch.IsEmpty() || len(outs) > 0 {
		ev := s.log.Debug().Int("new", len(newReqs)).Int("aborted", len(finished)).Int("outputs", len(outs)).Dur("dur", dur)
		if batch != nil {
			ev = ev.Int("scheduled", len(batch.Sequences)).Int("ignored", len(batch.Ignored))
		}
		ev.Msg("step")
	}
	return len(outs) > 0, nil
}

// forward drains the tracker and hands new and finished requests to the
// backend under the shared admission lock. An abort is never forwarded before
// the AddRequest of the same ID, and a resubmitted ID is never admitted before
// the old one has been aborted.
func (s *stepper) forward(ctx context.Context) ([]*Request, map[string]struct{}, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	newReqs, finished := s.tracker.GetNewAndFinishedRequests()
	for _, req := range newReqs {
		s.builder.admit(req)
		if err := s.backend.AddRequest(ctx, req); err != nil {
			s.builder.forget(req.ID)
			if IsValidation(err) {
				validationErrorsTotal.Inc()
				s.tracker.ProcessException(req.ID, err)
				continue
			}
			return nil, nil, fmt.Errorf("add request %s: %w", req.ID, err)
		}
	}

	if len(finished) > 0 {
		ids := make([]string, 0, len(finished))
		for id := range finished {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		s.builder.forget(ids...)
		if err := s.backend.AbortRequests(ctx, ids); err != nil {
			return nil, nil, fmt.Errorf("abort requests: %w", err)
		}
	}
	return newReqs, finished, nil
}
