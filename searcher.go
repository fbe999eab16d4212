package p4testgen

import (
	"fmt"
	"math/rand"
)

// Searcher represents a strategy for finding the next execution state to execute.
type Searcher interface {
	// Returns the next state to explore.
	SelectState() *ExecutionState

	// Adds states to the current searcher.
	AddState(state *ExecutionState)
}

// Searcher names accepted by NewSearcher.
const (
	SearchDFS      = "dfs"
	SearchBFS      = "bfs"
	SearchRandom   = "random"
	SearchCoverage = "coverage"
)

// NewSearcher returns a searcher by name. The seed is used by the random
// searcher and the coverage tracker by the coverage-greedy searcher.
func NewSearcher(name string, seed int64, coverage *Coverage) (Searcher, error) {
	switch name {
	case "", SearchDFS:
		return NewDFSSearcher(), nil
	case SearchBFS:
		return NewBFSSearcher(), nil
	case SearchRandom:
		return NewRandomSearcher(rand.New(rand.NewSource(seed))), nil
	case SearchCoverage:
		return NewCoverageSearcher(coverage), nil
	default:
		return nil, fmt.Errorf("unknown search strategy: %q", name)
	}
}

var _ Searcher = (*MultiSearcher)(nil)

// MultiSearcher represents a Searcher that chooses a searcher round-robin.
// Every searcher sees every state; a state is only ever selected once.
type MultiSearcher struct {
	searchers []Searcher
	index     int
	selected  map[*ExecutionState]struct{}
}

// NewMultiSearcher returns a new instance of MultiSearcher.
func NewMultiSearcher(searchers ...Searcher) *MultiSearcher {
	return &MultiSearcher{
		searchers: searchers,
		selected:  make(map[*ExecutionState]struct{}),
	}
}

// SelectState returns the next state to explore from the next searcher.
func (s *MultiSearcher) SelectState() *ExecutionState {
	for range s.searchers {
		searcher := s.searchers[s.index]
		if s.index++; s.index >= len(s.searchers) {
			s.index = 0
		}

		for {
			state := searcher.SelectState()
			if state == nil {
				break
			} else if _, ok := s.selected[state]; ok {
				continue
			}
			s.selected[state] = struct{}{}
			return state
		}
	}
	return nil
}

// AddState adds a new state to the searcher.
func (s *MultiSearcher) AddState(state *ExecutionState) {
	for _, searcher := range s.searchers {
		searcher.AddState(state)
	}
}

// DFSSearcher represents a searcher with a depth-first search strategy.
type DFSSearcher struct {
	states []*ExecutionState
}

// NewDFSSearcher returns a new instance of DFSSearcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

// SelectState returns the next execution state to explore.
func (s *DFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	state := s.states[len(s.states)-1]
	s.states = s.states[:len(s.states)-1]
	return state
}

// AddState adds a new state to the searcher.
func (s *DFSSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}

// BFSSearcher represents a searcher with a breadth-first search strategy.
type BFSSearcher struct {
	states []*ExecutionState
}

// NewBFSSearcher returns a new instance of BFSSearcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{}
}

// SelectState returns the next execution state to explore.
func (s *BFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	state := s.states[0]
	s.states = s.states[1:]
	return state
}

// AddState adds a new state to the searcher.
func (s *BFSSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}

// RandomSearcher selects a random state. Runs with the same seed select
// states in the same order.
type RandomSearcher struct {
	states []*ExecutionState
	rand   *rand.Rand
}

// NewRandomSearcher returns a new instance of RandomSearcher.
func NewRandomSearcher(rand *rand.Rand) *RandomSearcher {
	return &RandomSearcher{
		rand: rand,
	}
}

// SelectState returns a random execution state to explore.
func (s *RandomSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	i := s.rand.Intn(len(s.states))
	state := s.states[i]
	s.states = append(s.states[:i], s.states[i+1:]...)
	return state
}

// AddState adds a new state to the searcher.
func (s *RandomSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}

// CoverageSearcher selects the state that can reach the most uncovered
// statements. Ties go to the oldest state.
type CoverageSearcher struct {
	coverage *Coverage
	states   []*ExecutionState
}

// NewCoverageSearcher returns a new instance of CoverageSearcher.
func NewCoverageSearcher(coverage *Coverage) *CoverageSearcher {
	return &CoverageSearcher{coverage: coverage}
}

// SelectState returns the state with the highest coverage potential.
func (s *CoverageSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}

	best, bestN := 0, -1
	for i, state := range s.states {
		if n := s.coverage.Potential(state); n > bestN || (n == bestN && state.ID() < s.states[best].ID()) {
			best, bestN = i, n
		}
	}

	state := s.states[best]
	s.states = append(s.states[:best], s.states[best+1:]...)
	return state
}

// AddState adds a new state to the searcher.
func (s *CoverageSearcher) AddState(state *ExecutionState) {
	s.states = append(s.states, state)
}
