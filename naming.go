package p4testgen

import (
	"strconv"
	"strings"
)

// Names of the control-plane variables synthesized for tables. The same
// (table, field) or (table, action, param) tuple always yields the same
// name so forked states refer to the same solver variable.

// Roles of control-plane variables.
const (
	RoleKey        = "key"
	RoleMask       = "mask"
	RoleLPMPrefix  = "lpm_prefix"
	RoleRangeMin   = "range_min"
	RoleRangeMax   = "range_max"
	RoleAction     = "action"
	RoleActionArg  = "action_arg"
	RoleConstEntry = "const_entry"
)

// TableKeyName returns the name of the control-plane key for a match field.
func TableKeyName(table, field string) string {
	return joinName(table, "key", field)
}

// TableActionArgName returns the name of a control-plane action argument.
func TableActionArgName(table, action, param string) string {
	return joinName(table, action, "arg", param)
}

// TableActionName returns the name of the variable selecting a table's action.
func TableActionName(table string) string {
	return joinName(table, "action")
}

// TableMaskName returns the name of a ternary match mask.
func TableMaskName(table, field string) string {
	return joinName(table, "mask", field)
}

// TableLPMPrefixName returns the name of an LPM prefix length.
func TableLPMPrefixName(table, field string) string {
	return joinName(table, "lpm_prefix", field)
}

// TableRangeMinName returns the name of a range match lower bound.
func TableRangeMinName(table, field string) string {
	return joinName(table, "range_min", field)
}

// TableRangeMaxName returns the name of a range match upper bound.
func TableRangeMaxName(table, field string) string {
	return joinName(table, "range_max", field)
}

// TableHitName returns the name of the state variable holding whether the
// last application of a table hit.
func TableHitName(table string) string {
	return joinName(table, "hit")
}

// TableActionRunName returns the name of the state variable holding the
// index of the action run by the last application of a table.
func TableActionRunName(table string) string {
	return joinName(table, "action_run")
}

// TableConstEntryName returns the name of the choice variable used in place
// of a tainted constant entry condition.
func TableConstEntryName(table string, index int) string {
	return joinName(table, "const_entry", strconv.Itoa(index))
}

// Names of variables owned by the packet model.
const (
	PacketSizeVarName    = "*packet_len_bits"
	PacketContentName    = "*packet_content"
	ParserErrorVarName   = "*parser_error"
	InputPortVarName     = "*input_port"
	OutputPortVarName    = "*output_port"
	ExternChoicePrefix   = "*choice"
	RegisterValuePrefix  = "*register"
	HashResultNamePrefix = "*hash"
)

// ChoiceName returns the name of a choice variable introduced by an extern.
func ChoiceName(extern string, n int) string {
	return joinName(ExternChoicePrefix, extern, strconv.Itoa(n))
}

// RegisterValueName returns the name of the initial value of a register cell.
func RegisterValueName(register string, index uint64) string {
	return joinName(RegisterValuePrefix, register, strconv.FormatUint(index, 10))
}

func joinName(parts ...string) string {
	return strings.Join(parts, "_")
}
