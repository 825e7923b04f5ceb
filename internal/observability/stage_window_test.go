package observability

import "testing"

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(4)
	for _, ms := range []float64{100, 200, 300} {
		w.Observe("respond", ms)
	}
	w.Observe("transcribe", 50)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(snap.Stages))
	}

	// Sorted by stage name.
	if snap.Stages[0].Stage != "respond" || snap.Stages[1].Stage != "transcribe" {
		t.Fatalf("unexpected stage order: %+v", snap.Stages)
	}
	r := snap.Stages[0]
	if r.Samples != 3 || r.LastMS != 300 || r.AvgMS != 200 || r.P50MS != 200 {
		t.Fatalf("unexpected respond stats: %+v", r)
	}
}

func TestStageWindowWrapsRing(t *testing.T) {
	w := newStageWindow(2)
	for _, ms := range []float64{10, 20, 30} {
		w.Observe("synthesize", ms)
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	// Ring of 2 keeps the last two samples.
	if s.Samples != 2 || s.AvgMS != 25 {
		t.Fatalf("unexpected stats after wrap: %+v", s)
	}
}

func TestStageWindowIgnoresInvalid(t *testing.T) {
	w := newStageWindow(4)
	w.Observe("", 10)
	w.Observe("respond", -1)
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("stages = %d, want 0", len(snap.Stages))
	}
}
