package p4testgen_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/benbjohnson/p4testgen"
)

// NewStates returns n empty root states.
func NewStates(n int) []*p4testgen.ExecutionState {
	a := make([]*p4testgen.ExecutionState, n)
	for i := range a {
		a[i] = p4testgen.NewExecutionState(16, 0)
	}
	return a
}

// Drain selects from s until it is empty.
func Drain(s p4testgen.Searcher) []*p4testgen.ExecutionState {
	var a []*p4testgen.ExecutionState
	for state := s.SelectState(); state != nil; state = s.SelectState() {
		a = append(a, state)
	}
	return a
}

// AssertOrder fails if got is not the given permutation of states.
func AssertOrder(tb testing.TB, states, got []*p4testgen.ExecutionState, order ...int) {
	tb.Helper()
	if len(got) != len(order) {
		tb.Fatalf("unexpected selection count: %d", len(got))
	}
	for i, j := range order {
		if got[i] != states[j] {
			tb.Fatalf("unexpected state at %d", i)
		}
	}
}

func TestDFSSearcher(t *testing.T) {
	states := NewStates(3)
	s := p4testgen.NewDFSSearcher()
	for _, state := range states {
		s.AddState(state)
	}
	AssertOrder(t, states, Drain(s), 2, 1, 0)
}

func TestBFSSearcher(t *testing.T) {
	states := NewStates(3)
	s := p4testgen.NewBFSSearcher()
	for _, state := range states {
		s.AddState(state)
	}
	AssertOrder(t, states, Drain(s), 0, 1, 2)
}

func TestRandomSearcher(t *testing.T) {
	states := NewStates(8)

	run := func() []*p4testgen.ExecutionState {
		s := p4testgen.NewRandomSearcher(rand.New(rand.NewSource(42)))
		for _, state := range states {
			s.AddState(state)
		}
		return Drain(s)
	}

	a, b := run(), run()
	if len(a) != len(states) {
		t.Fatalf("unexpected selection count: %d", len(a))
	}

	// Same seed, same order. Every state exactly once.
	seen := make(map[*p4testgen.ExecutionState]bool)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order mismatch at %d", i)
		} else if seen[a[i]] {
			t.Fatalf("duplicate state at %d", i)
		}
		seen[a[i]] = true
	}
}

func TestCoverageSearcher(t *testing.T) {
	prog := MustLoadProgram(t, "testdata/v1model_table.yaml")
	cov := p4testgen.NewCoverage(prog)

	states := NewStates(3)
	states[0].PushBody(&p4testgen.BlockCommand{Block: prog.Block("MyParser")})
	states[1].PushBody(&p4testgen.BlockCommand{Block: prog.Block("MyIngress")})
	states[2].PushBody(&p4testgen.BlockCommand{Block: prog.Block("MyDeparser")})

	s := p4testgen.NewCoverageSearcher(cov)
	for _, state := range states {
		s.AddState(state)
	}

	// Ingress reaches the most statements. Parser & deparser tie and the
	// older state wins.
	AssertOrder(t, states, Drain(s), 1, 0, 2)

	t.Run("CoveredStatementsIgnored", func(t *testing.T) {
		cov.Add(2, 3, 4, 5, 6)

		s := p4testgen.NewCoverageSearcher(cov)
		for _, state := range states {
			s.AddState(state)
		}
		AssertOrder(t, states, Drain(s), 0, 2, 1)
	})
}

func TestMultiSearcher(t *testing.T) {
	states := NewStates(3)
	s := p4testgen.NewMultiSearcher(p4testgen.NewDFSSearcher(), p4testgen.NewBFSSearcher())
	for _, state := range states {
		s.AddState(state)
	}

	// Alternates between searchers and never selects a state twice.
	AssertOrder(t, states, Drain(s), 2, 0, 1)
}

func TestNewSearcher(t *testing.T) {
	cov := p4testgen.NewCoverage(MustLoadProgram(t, "testdata/v1model_table.yaml"))

	for _, tt := range []struct {
		name string
		want string
	}{
		{"", "*p4testgen.DFSSearcher"},
		{p4testgen.SearchDFS, "*p4testgen.DFSSearcher"},
		{p4testgen.SearchBFS, "*p4testgen.BFSSearcher"},
		{p4testgen.SearchRandom, "*p4testgen.RandomSearcher"},
		{p4testgen.SearchCoverage, "*p4testgen.CoverageSearcher"},
	} {
		s, err := p4testgen.NewSearcher(tt.name, 0, cov)
		if err != nil {
			t.Fatal(err)
		} else if got := fmt.Sprintf("%T", s); got != tt.want {
			t.Fatalf("NewSearcher(%q)=%s, want %s", tt.name, got, tt.want)
		}
	}

	t.Run("ErrUnknown", func(t *testing.T) {
		if _, err := p4testgen.NewSearcher("astar", 0, cov); err == nil || err.Error() != `unknown search strategy: "astar"` {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
