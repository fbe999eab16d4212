package p4testgen

import (
	"fmt"

	"github.com/benbjohnson/p4testgen/ir"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Target represents the device & architecture a test is generated for.
type Target interface {
	// Device and architecture names, e.g. "bmv2" and "v1model".
	Device() string
	Arch() string

	// Extern method handlers. Lookups fall back to the base externs.
	Externs() *ExternTable

	// Initialize prepares the root state before the first step.
	Initialize(state *ExecutionState, prog *ir.Program) error

	// Returns true if reads of unset variables yield taint instead of zero.
	ForceTaint() bool

	// Smallest input packet the device accepts, in bytes.
	MinPacketBytes() uint

	// Returns true if tables backed by an action selector can be programmed.
	SupportsActionSelector() bool

	// HandleParserException is called once a parser exception has unwound
	// the parser scope. It either terminates the state or records the error
	// and lets the pipeline continue.
	HandleParserException(state *ExecutionState, exc Exception) error

	// Output returns the egress port & a boolean drop condition of a
	// completed path.
	Output(state *ExecutionState) (port Expr, drop Expr)
}

// BaseTarget provides default behavior for targets. Targets embed it and
// override what differs.
type BaseTarget struct {
	DeviceName string
	ArchName   string
	ExternSet  *ExternTable
}

// Device returns the device name.
func (t *BaseTarget) Device() string { return t.DeviceName }

// Arch returns the architecture name.
func (t *BaseTarget) Arch() string { return t.ArchName }

// Externs returns the extern table of the target.
func (t *BaseTarget) Externs() *ExternTable {
	if t.ExternSet == nil {
		return BaseExterns()
	}
	return t.ExternSet
}

// Initialize is a no-op.
func (t *BaseTarget) Initialize(state *ExecutionState, prog *ir.Program) error { return nil }

// ForceTaint returns false. Unset variables read as zero.
func (t *BaseTarget) ForceTaint() bool { return false }

// MinPacketBytes returns zero.
func (t *BaseTarget) MinPacketBytes() uint { return 0 }

// SupportsActionSelector returns true.
func (t *BaseTarget) SupportsActionSelector() bool { return true }

// HandleParserException drops the packet.
func (t *BaseTarget) HandleParserException(state *ExecutionState, exc Exception) error {
	state.Terminate(ExecutionStatusDropped, "parser exception: "+string(exc))
	return nil
}

// Output returns the port stored in the output port variable. The packet
// is dropped if the drop property is set.
func (t *BaseTarget) Output(state *ExecutionState) (port Expr, drop Expr) {
	return state.Get(OutputPortVarName, Width32, false), NewBoolConstantExpr(state.BoolProperty(PropertyDrop))
}

// TargetRegistry holds the available targets keyed by device & architecture.
type TargetRegistry struct {
	targets map[targetKey]Target
}

type targetKey struct {
	device string
	arch   string
}

// NewTargetRegistry returns a new, empty registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{targets: make(map[targetKey]Target)}
}

// Register adds a target, replacing any target with the same key.
func (r *TargetRegistry) Register(t Target) {
	r.targets[targetKey{t.Device(), t.Arch()}] = t
}

// Lookup returns the target for a device & architecture.
func (r *TargetRegistry) Lookup(device, arch string) (Target, error) {
	t, ok := r.targets[targetKey{device, arch}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTargetNotFound, device, arch)
	}
	return t, nil
}

// LookupArch returns the first target, by device name, for an architecture.
func (r *TargetRegistry) LookupArch(arch string) (Target, error) {
	for _, t := range r.Targets() {
		if t.Arch() == arch {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: arch %s", ErrTargetNotFound, arch)
}

// Targets returns all registered targets sorted by device & architecture.
func (r *TargetRegistry) Targets() []Target {
	keys := maps.Keys(r.targets)
	slices.SortFunc(keys, func(a, b targetKey) bool {
		if a.device != b.device {
			return a.device < b.device
		}
		return a.arch < b.arch
	})

	a := make([]Target, 0, len(keys))
	for _, k := range keys {
		a = append(a, r.targets[k])
	}
	return a
}
