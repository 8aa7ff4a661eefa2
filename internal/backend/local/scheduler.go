package local

import "slices"

// stageScheduler is a first-come-first-served continuous batcher for one
// stage: every Schedule call tops up the running set from the waiting queue
// until maxBatch sequences run.
type stageScheduler struct {
	stage       int
	maxBatch    int
	maxModelLen int
	waiting     []*Sequence
	running     []*Sequence
}

func newStageScheduler(stage, maxBatch, maxModelLen int) *stageScheduler {
	return &stageScheduler{stage: stage, maxBatch: maxBatch, maxModelLen: maxModelLen}
}

func (s *stageScheduler) add(seq *Sequence) {
	s.waiting = append(s.waiting, seq)
}

// remove drops id from either queue and reports whether it was present.
func (s *stageScheduler) remove(id string) bool {
	match := func(seq *Sequence) bool { return seq.ID == id }
	if i := slices.IndexFunc(s.running, match); i >= 0 {
		s.running = slices.Delete(s.running, i, i+1)
		return true
	}
	if i := slices.IndexFunc(s.waiting, match); i >= 0 {
		s.waiting = slices.Delete(s.waiting, i, i+1)
		return true
	}
	return false
}

func (s *stageScheduler) load() int { return len(s.waiting) + len(s.running) }

// schedule admits waiting sequences and returns the running set. Sequences
// whose prompt can never fit in the model context are returned as ignored
// and dropped from the queue.
func (s *stageScheduler) schedule() (scheduled, ignored []*Sequence) {
	for len(s.waiting) > 0 && len(s.running) < s.maxBatch {
		seq := s.waiting[0]
		s.waiting = s.waiting[1:]
		if s.maxModelLen > 0 && len(seq.PromptTokenIDs) > s.maxModelLen {
			ignored = append(ignored, seq)
			continue
		}
		s.running = append(s.running, seq)
	}
	return slices.Clone(s.running), ignored
}
