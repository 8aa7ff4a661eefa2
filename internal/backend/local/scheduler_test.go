package local

import "testing"

func TestStageSchedulerFCFSWithBatchLimit(t *testing.T) {
	s := newStageScheduler(0, 2, 10)
	for _, id := range []string{"a", "b", "c"} {
		s.add(&Sequence{ID: id, PromptTokenIDs: []int{1, 2}})
	}
	got, ignored := s.schedule()
	if len(ignored) != 0 {
		t.Fatalf("unexpected ignored %v", ignored)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected a,b running, got %v", ids(got))
	}
	if !s.remove("a") {
		t.Fatalf("remove a")
	}
	got, _ = s.schedule()
	if len(got) != 2 || got[1].ID != "c" {
		t.Fatalf("expected c admitted after a left, got %v", ids(got))
	}
	if s.remove("missing") {
		t.Fatalf("remove of unknown id should report false")
	}
	if s.load() != 2 {
		t.Fatalf("load = %d", s.load())
	}
}

func TestStageSchedulerIgnoresOverlongPrompts(t *testing.T) {
	s := newStageScheduler(0, 4, 3)
	s.add(&Sequence{ID: "long", PromptTokenIDs: []int{1, 2, 3, 4}})
	s.add(&Sequence{ID: "ok", PromptTokenIDs: []int{1}})
	got, ignored := s.schedule()
	if len(ignored) != 1 || ignored[0].ID != "long" {
		t.Fatalf("expected long ignored, got %v", ids(ignored))
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("expected ok running, got %v", ids(got))
	}
	if s.load() != 1 {
		t.Fatalf("ignored sequence must leave the queue")
	}
}

func ids(seqs []*Sequence) []string {
	out := make([]string, len(seqs))
	for i, s := range seqs {
		out[i] = s.ID
	}
	return out
}
