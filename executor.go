package p4testgen

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/benbjohnson/p4testgen/ir"
)

// DefaultMaxPacketBytes is the default upper bound on the input packet size.
const DefaultMaxPacketBytes = 256

// Executor explores the paths of a program and emits a test per
// satisfiable terminal path.
type Executor struct {
	prog     *ir.Program
	target   Target
	stepper  *Stepper
	coverage *Coverage

	root       *ExecutionState // initial state
	stateIDSeq int             // autoincrementing state ID
	tests      []*TestSpec

	// Used for solving symbolic values.
	// Must set before execution.
	Solver Solver

	// Search strategy for the executor. Defaults to depth-first.
	Searcher Searcher

	// Stop after this many tests. Zero means no limit.
	MaxTests int

	// Upper bound on the size of generated input packets.
	MaxPacketBytes uint

	// Execution statistics.
	Stats Stats
}

// Stats holds counters describing an exploration run.
type Stats struct {
	Steps         int // commands executed
	Forks         int // steps producing more than one branch
	Pruned        int // infeasible branches discarded
	SolverCalls   int
	Unimplemented int // paths discarded on unsupported constructs
	Tests         int
}

// NewExecutor returns a new instance of Executor.
func NewExecutor(prog *ir.Program, target Target) *Executor {
	return &Executor{
		prog:           prog,
		target:         target,
		stepper:        NewStepper(prog, target),
		coverage:       NewCoverage(prog),
		MaxPacketBytes: DefaultMaxPacketBytes,
	}
}

// Program returns the program being explored.
func (e *Executor) Program() *ir.Program { return e.prog }

// Stepper returns the stepper used to execute commands.
func (e *Executor) Stepper() *Stepper { return e.stepper }

// Coverage returns the statement coverage of the emitted tests.
func (e *Executor) Coverage() *Coverage { return e.coverage }

// Tests returns the tests emitted so far.
func (e *Executor) Tests() []*TestSpec { return e.tests }

// RootState returns the initial state, creating it on first use.
func (e *Executor) RootState() (*ExecutionState, error) {
	if err := e.init(); err != nil {
		return nil, err
	}
	return e.root, nil
}

// nextStateID returns the next autoincrementing state ID.
func (e *Executor) nextStateID() int {
	e.stateIDSeq++
	return e.stateIDSeq
}

func (e *Executor) init() error {
	if e.root != nil {
		return nil
	} else if e.Solver == nil {
		return errors.New("p4testgen: solver required")
	} else if len(e.prog.Pipeline) == 0 {
		return errors.New("p4testgen: program has an empty pipeline")
	}

	if e.Searcher == nil {
		e.Searcher = NewDFSSearcher()
	}

	root := NewExecutionState(e.MaxPacketBytes, e.target.MinPacketBytes())
	root.id = e.nextStateID()

	cmds := make([]Command, len(e.prog.Pipeline))
	for i, name := range e.prog.Pipeline {
		block := e.prog.Block(name)
		if block == nil {
			return bugf("pipeline block not found: %s", name)
		}
		cmds[i] = &BlockCommand{Block: block}
	}
	root.PushBody(cmds...)

	if err := e.target.Initialize(root, e.prog); err != nil {
		return fmt.Errorf("initialize %s/%s: %w", e.target.Device(), e.target.Arch(), err)
	}

	e.root = root
	e.Searcher.AddState(root)
	return nil
}

// Run executes states until none remain, the test budget is reached, or ctx
// is done. Cancellation is only checked between states.
func (e *Executor) Run(ctx context.Context) ([]*TestSpec, error) {
	for e.MaxTests <= 0 || len(e.tests) < e.MaxTests {
		if _, err := e.ExecuteNextState(ctx); errors.Is(err, ErrNoStateAvailable) {
			break
		} else if err != nil {
			return e.tests, err
		}
	}

	log.Printf("[done] tests=%d steps=%d pruned=%d unimplemented=%d coverage=%d/%d",
		len(e.tests), e.Stats.Steps, e.Stats.Pruned, e.Stats.Unimplemented, e.coverage.Covered(), e.coverage.Total())
	return e.tests, nil
}

// ExecuteNextState executes the next available state until it forks or
// terminates. This can be called continually until ErrNoStateAvailable is
// returned.
func (e *Executor) ExecuteNextState(ctx context.Context) (*ExecutionState, error) {
	if err := e.init(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	state := e.Searcher.SelectState()
	if state == nil {
		return nil, ErrNoStateAvailable
	}

	log.Printf("[state] begin: %d", state.ID())
	defer log.Printf("")

	for {
		branches, err := e.stepper.Step(state)
		if IsUnimplemented(err) {
			log.Printf("[unimplemented] state %d: %s", state.ID(), err)
			e.Stats.Unimplemented++
			state.Terminate(ExecutionStatusFailed, err.Error())
			return state, nil
		} else if err != nil {
			return state, err
		}
		e.Stats.Steps++

		// Continue inline until the path forks.
		if len(branches) == 1 && branches[0].Condition == nil {
			next := branches[0].Next
			next.id = state.id
			state = next

			if state.Terminated() {
				return state, e.emit(state)
			}
			continue
		}

		e.Stats.Forks++
		for _, b := range branches {
			if ok, err := e.feasible(b.Prev, b.Condition); err != nil {
				return state, err
			} else if !ok {
				log.Printf("[fork] pruned: %s", b.Condition)
				e.Stats.Pruned++
				continue
			}

			next := b.Next
			if b.Condition != nil {
				next.AddConstraint(b.Condition)
			}
			next.id = e.nextStateID()

			if next.Terminated() {
				if err := e.emit(next); err != nil {
					return state, err
				}
				continue
			}
			e.Searcher.AddState(next)
		}
		return state, nil
	}
}

// feasible returns true if cond may hold given the constraints of state.
// Solver timeouts and unknown results count as infeasible.
func (e *Executor) feasible(state *ExecutionState, cond Expr) (bool, error) {
	switch {
	case cond == nil, IsConstantTrue(cond):
		return true, nil
	case IsConstantFalse(cond):
		return false, nil
	}

	e.Stats.SolverCalls++
	ok, _, err := e.Solver.Solve(AddConstraint(clip(state.Constraints()), cond), nil, nil)
	if errors.Is(err, ErrSolverTimeout) || errors.Is(err, ErrSolverUnknown) {
		log.Printf("[solve] %s, pruning branch", err)
		return false, nil
	} else if err != nil {
		return false, err
	}
	return ok, nil
}

// emit solves a terminal state and records the resulting test.
func (e *Executor) emit(state *ExecutionState) error {
	if e.MaxTests > 0 && len(e.tests) >= e.MaxTests {
		return nil
	} else if state.Status() == ExecutionStatusFailed {
		return nil
	}

	values := SymbolicValues(state, e.target)
	e.Stats.SolverCalls++
	ok, model, err := e.Solver.Solve(state.Constraints(), FindVars(values...), []*Array{state.InputPacketContent()})
	if errors.Is(err, ErrSolverTimeout) || errors.Is(err, ErrSolverUnknown) {
		log.Printf("[solve] state %d: %s, no test emitted", state.ID(), err)
		return nil
	} else if err != nil {
		return err
	} else if !ok {
		log.Printf("[solve] state %d: unsatisfiable, no test emitted", state.ID())
		e.Stats.Pruned++
		return nil
	}

	spec, err := NewTestSpec(len(e.tests)+1, state, e.target, model)
	if err != nil {
		return fmt.Errorf("state %d: %w", state.ID(), err)
	}
	e.tests = append(e.tests, spec)
	e.Stats.Tests++

	n := e.coverage.Add(spec.Covered...)
	log.Printf("[test] %d: %s, %d new statements covered", spec.ID, spec.Status, n)
	return nil
}

// Solver represents a logical constraint solver.
type Solver interface {
	// Returns the satisfiability of the set of constraints. If the formula
	// is satisfiable, the model holds a value for each variable & array
	// passed in.
	Solve(constraints []Expr, vars []*VarExpr, arrays []*Array) (satisfiable bool, model *Model, err error)
}
