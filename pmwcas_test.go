package bztree

import "testing"

func TestPMwCASCommitSucceedsWhenExpectedMatches(t *testing.T) {
	engine := newPMwCASEngine()

	var a, b uint64 = 1, 100

	desc := engine.allocateDescriptor()
	desc.addWord(&a, 1, 2)
	desc.addWord(&b, 100, 200)

	if !engine.commit(desc) {
		t.Fatalf("commit should have succeeded")
	}

	if a != 2 || b != 200 {
		t.Errorf("a=%d b=%d, want 2, 200", a, b)
	}
}

func TestPMwCASCommitFailsWhenExpectedStale(t *testing.T) {
	engine := newPMwCASEngine()

	var a uint64 = 1

	desc := engine.allocateDescriptor()
	desc.addWord(&a, 999, 2)

	if engine.commit(desc) {
		t.Fatalf("commit should have failed on stale expected value")
	}

	if a != 1 {
		t.Errorf("a=%d, want unchanged 1", a)
	}
}

// TestPMwCASAllOrNothing verifies that when one entry's expectation is
// stale, none of the other entries change either -- the defining property
// of a multi-word CAS (§4.1).
func TestPMwCASAllOrNothing(t *testing.T) {
	engine := newPMwCASEngine()

	var a, b, c uint64 = 1, 2, 3

	desc := engine.allocateDescriptor()
	desc.addWord(&a, 1, 11)
	desc.addWord(&b, 999, 22) // stale on purpose
	desc.addWord(&c, 3, 33)

	if engine.commit(desc) {
		t.Fatalf("commit should have failed")
	}

	if a != 1 || b != 2 || c != 3 {
		t.Errorf("a=%d b=%d c=%d; a multi-word CAS must leave every word untouched on failure", a, b, c)
	}
}

func TestPMwCASConcurrentDisjointWordsAllSucceed(t *testing.T) {
	engine := newPMwCASEngine()

	const n = 64
	words := make([]uint64, n)

	done := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			desc := engine.allocateDescriptor()
			desc.addWord(&words[i], 0, uint64(i+1))
			done <- engine.commit(desc)
		}(i)
	}

	for i := 0; i < n; i++ {
		if !<-done {
			t.Errorf("disjoint-word commit should never fail")
		}
	}

	for i, w := range words {
		if w != uint64(i+1) {
			t.Errorf("words[%d] = %d, want %d", i, w, i+1)
		}
	}
}
