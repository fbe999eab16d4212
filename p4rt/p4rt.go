// Package p4rt converts the control-plane configuration of generated tests
// into P4Runtime write requests.
package p4rt

import (
	"fmt"
	"os"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
	protov1 "github.com/golang/protobuf/proto"
	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/prototext"
)

// Schema is a P4Info description of a program indexed by the short names
// used in control-plane configurations.
type Schema struct {
	Info *p4config.P4Info

	tables    map[string]*p4config.Table
	actions   map[string]*p4config.Action
	profiles  map[string]*p4config.ActionProfile
	registers map[string]*p4config.Register
}

// ID returns a P4Runtime id: the entity prefix in the top byte and a
// 1-based sequence number below it.
func ID(prefix p4config.P4Ids_Prefix, seq int) uint32 {
	return uint32(prefix)<<24 | uint32(seq)
}

// NewSchema derives P4Info for prog. Ids are assigned in declaration order.
func NewSchema(prog *ir.Program) *Schema {
	s := &Schema{
		Info:      &p4config.P4Info{PkgInfo: &p4config.PkgInfo{Name: prog.Name, Arch: prog.Arch}},
		tables:    make(map[string]*p4config.Table),
		actions:   make(map[string]*p4config.Action),
		profiles:  make(map[string]*p4config.ActionProfile),
		registers: make(map[string]*p4config.Register),
	}

	for _, ctrl := range prog.Controls {
		for _, action := range ctrl.Actions {
			if _, ok := s.actions[action.Name]; ok {
				continue
			}
			a := &p4config.Action{Preamble: s.preamble(p4config.P4Ids_ACTION, len(s.Info.Actions)+1, ctrl.Name, action.Name)}
			for i, p := range action.Params {
				a.Params = append(a.Params, &p4config.Action_Param{Id: uint32(i + 1), Name: p.Name, Bitwidth: int32(ir.Width(p.Type))})
			}
			s.Info.Actions = append(s.Info.Actions, a)
			s.actions[action.Name] = a
		}
	}

	for _, ext := range prog.Externs {
		switch ext.Type {
		case ir.ExternActionProfile, ir.ExternActionSelector:
			p := &p4config.ActionProfile{
				Preamble:     s.preamble(p4config.P4Ids_ACTION_PROFILE, len(s.Info.ActionProfiles)+1, "", ext.Name),
				WithSelector: ext.Type == ir.ExternActionSelector,
				Size:         int64(ext.Size),
			}
			s.Info.ActionProfiles = append(s.Info.ActionProfiles, p)
			s.profiles[ext.Name] = p

		case ir.ExternRegister:
			r := &p4config.Register{
				Preamble: s.preamble(p4config.P4Ids_REGISTER, len(s.Info.Registers)+1, "", ext.Name),
				Size:     int32(ext.Size),
			}
			if len(ext.TypeArgs) > 0 {
				r.TypeSpec = bitTypeSpec(ir.Width(ext.TypeArgs[0]))
			}
			s.Info.Registers = append(s.Info.Registers, r)
			s.registers[ext.Name] = r
		}
	}

	for _, ctrl := range prog.Controls {
		for _, tbl := range ctrl.Tables {
			t := &p4config.Table{
				Preamble:     s.preamble(p4config.P4Ids_TABLE, len(s.Info.Tables)+1, ctrl.Name, tbl.Name),
				Size:         int64(tbl.Size),
				IsConstTable: tbl.Immutable,
			}
			for _, key := range tbl.Keys {
				if key.MatchKind == ir.MatchSelector {
					continue
				}
				f := &p4config.MatchField{
					Id:       uint32(len(t.MatchFields) + 1),
					Name:     key.FieldName(),
					Bitwidth: int32(keyWidth(prog, ctrl, key.Expr)),
				}
				setMatchType(f, key.MatchKind)
				t.MatchFields = append(t.MatchFields, f)
			}
			for _, name := range tbl.Actions {
				if a := s.actions[name]; a != nil {
					t.ActionRefs = append(t.ActionRefs, &p4config.ActionRef{Id: a.Preamble.Id})
				}
			}
			if ref := tbl.DefaultAction; ref != nil && !slices.Contains(tbl.Actions, ref.Name) {
				if a := s.actions[ref.Name]; a != nil {
					t.ActionRefs = append(t.ActionRefs, &p4config.ActionRef{Id: a.Preamble.Id, Scope: p4config.ActionRef_DEFAULT_ONLY})
				}
			}
			if p := s.profiles[tbl.Implementation]; p != nil {
				t.ImplementationId = p.Preamble.Id
				p.TableIds = append(p.TableIds, t.Preamble.Id)
			}
			s.Info.Tables = append(s.Info.Tables, t)
			s.tables[tbl.Name] = t
		}
	}
	return s
}

func (s *Schema) preamble(prefix p4config.P4Ids_Prefix, seq int, scope, name string) *p4config.Preamble {
	full := name
	if scope != "" {
		full = scope + "." + name
	}
	return &p4config.Preamble{Id: ID(prefix, seq), Name: full, Alias: name}
}

func bitTypeSpec(width int) *p4config.P4DataTypeSpec {
	return &p4config.P4DataTypeSpec{
		TypeSpec: &p4config.P4DataTypeSpec_Bitstring{
			Bitstring: &p4config.P4BitstringLikeTypeSpec{
				TypeSpec: &p4config.P4BitstringLikeTypeSpec_Bit{
					Bit: &p4config.P4BitTypeSpec{Bitwidth: int32(width)},
				},
			},
		},
	}
}

func setMatchType(f *p4config.MatchField, kind string) {
	var typ p4config.MatchField_MatchType
	switch kind {
	case ir.MatchExact:
		typ = p4config.MatchField_EXACT
	case ir.MatchTernary:
		typ = p4config.MatchField_TERNARY
	case ir.MatchLPM:
		typ = p4config.MatchField_LPM
	case ir.MatchRange:
		typ = p4config.MatchField_RANGE
	case ir.MatchOptional:
		typ = p4config.MatchField_OPTIONAL
	default:
		f.Match = &p4config.MatchField_OtherMatchType{OtherMatchType: kind}
		return
	}
	f.Match = &p4config.MatchField_MatchType_{MatchType: typ}
}

// keyWidth returns the static width of a table key. Returns zero if the
// width cannot be determined without evaluating the key.
func keyWidth(prog *ir.Program, ctrl *ir.Control, expr ir.Expression) int {
	switch expr := expr.(type) {
	case *ir.Slice:
		return expr.Hi - expr.Lo + 1
	case *ir.Cast:
		return ir.Width(expr.Type)
	case *ir.PathExpr:
		for _, v := range ctrl.Locals {
			if v.Name == expr.Name {
				return ir.Width(v.Type)
			}
		}
		if v := prog.Global(expr.Name); v != nil {
			return ir.Width(v.Type)
		}
	case *ir.Member:
		base := keyType(prog, ctrl, expr.Expr)
		for _, f := range ir.FieldsOf(base) {
			if f.Name == expr.Name {
				return ir.Width(f.Type)
			}
		}
	}
	return 0
}

func keyType(prog *ir.Program, ctrl *ir.Control, expr ir.Expression) ir.Type {
	switch expr := expr.(type) {
	case *ir.PathExpr:
		for _, v := range ctrl.Locals {
			if v.Name == expr.Name {
				return v.Type
			}
		}
		if v := prog.Global(expr.Name); v != nil {
			return v.Type
		}
	case *ir.Member:
		for _, f := range ir.FieldsOf(keyType(prog, ctrl, expr.Expr)) {
			if f.Name == expr.Name {
				return f.Type
			}
		}
	}
	return nil
}

// Updates returns the insert updates that install cp. Profile members are
// written before the tables that reference them.
func (s *Schema) Updates(cp *p4testgen.ControlPlane) ([]*p4v1.Update, error) {
	var updates []*p4v1.Update
	insert := func(entity *p4v1.Entity) {
		updates = append(updates, &p4v1.Update{Type: p4v1.Update_INSERT, Entity: entity})
	}

	for _, prof := range cp.Profiles {
		p := s.profiles[prof.Profile]
		if p == nil {
			return nil, fmt.Errorf("action profile not found: %q", prof.Profile)
		}
		for i, call := range prof.Actions {
			action, err := s.action(call)
			if err != nil {
				return nil, err
			}
			insert(&p4v1.Entity{Entity: &p4v1.Entity_ActionProfileMember{ActionProfileMember: &p4v1.ActionProfileMember{
				ActionProfileId: p.Preamble.Id,
				MemberId:        uint32(i),
				Action:          action,
			}}})
		}
	}

	for i, sel := range cp.Selectors {
		p := s.profiles[sel.Profile]
		if p == nil {
			return nil, fmt.Errorf("action profile not found: %q", sel.Profile)
		}
		group := &p4v1.ActionProfileGroup{ActionProfileId: p.Preamble.Id, GroupId: uint32(i + 1)}
		for _, m := range sel.Members {
			group.Members = append(group.Members, &p4v1.ActionProfileGroup_Member{MemberId: uint32(m), Weight: 1})
		}
		insert(&p4v1.Entity{Entity: &p4v1.Entity_ActionProfileGroup{ActionProfileGroup: group}})
	}

	for _, t := range cp.Tables {
		tbl := s.tables[t.Table]
		if tbl == nil {
			return nil, fmt.Errorf("table not found: %q", t.Table)
		}
		for _, entry := range t.Entries {
			te, err := s.tableEntry(tbl, entry)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", t.Table, err)
			}
			insert(&p4v1.Entity{Entity: &p4v1.Entity_TableEntry{TableEntry: te}})
		}
	}

	for _, cell := range cp.Registers {
		r := s.registers[cell.Register]
		if r == nil {
			return nil, fmt.Errorf("register not found: %q", cell.Register)
		}
		insert(&p4v1.Entity{Entity: &p4v1.Entity_RegisterEntry{RegisterEntry: &p4v1.RegisterEntry{
			RegisterId: r.Preamble.Id,
			Index:      &p4v1.Index{Index: int64(cell.Index)},
			Data:       &p4v1.P4Data{Data: &p4v1.P4Data_Bitstring{Bitstring: EncodeValue(cell.Value, cell.Width)}},
		}}})
	}
	return updates, nil
}

func (s *Schema) tableEntry(tbl *p4config.Table, entry *p4testgen.TableEntry) (*p4v1.TableEntry, error) {
	te := &p4v1.TableEntry{TableId: tbl.Preamble.Id, Priority: int32(entry.Priority)}
	for _, m := range entry.Matches {
		fm, err := fieldMatch(tbl, m)
		if err != nil {
			return nil, err
		} else if fm != nil {
			te.Match = append(te.Match, fm)
		}
	}

	if entry.Member != nil {
		te.Action = &p4v1.TableAction{Type: &p4v1.TableAction_ActionProfileMemberId{ActionProfileMemberId: uint32(*entry.Member)}}
		return te, nil
	}
	action, err := s.action(entry.Action)
	if err != nil {
		return nil, err
	}
	te.Action = &p4v1.TableAction{Type: &p4v1.TableAction_Action{Action: action}}
	return te, nil
}

// fieldMatch returns the match of a key field. Don't-care matches return nil.
func fieldMatch(tbl *p4config.Table, m *p4testgen.KeyMatch) (*p4v1.FieldMatch, error) {
	var id uint32
	for _, f := range tbl.MatchFields {
		if f.Name == m.Field {
			id = f.Id
		}
	}
	if id == 0 {
		return nil, fmt.Errorf("match field not found: %q", m.Field)
	}

	fm := &p4v1.FieldMatch{FieldId: id}
	switch m.Kind {
	case ir.MatchExact:
		fm.FieldMatchType = &p4v1.FieldMatch_Exact_{Exact: &p4v1.FieldMatch_Exact{Value: EncodeValue(m.Value, m.Width)}}
	case ir.MatchTernary:
		if m.Mask == 0 {
			return nil, nil
		}
		fm.FieldMatchType = &p4v1.FieldMatch_Ternary_{Ternary: &p4v1.FieldMatch_Ternary{
			Value: EncodeValue(m.Value, m.Width),
			Mask:  EncodeValue(m.Mask, m.Width),
		}}
	case ir.MatchLPM:
		if m.PrefixLen == 0 {
			return nil, nil
		}
		fm.FieldMatchType = &p4v1.FieldMatch_Lpm{Lpm: &p4v1.FieldMatch_LPM{
			Value:     EncodeValue(m.Value, m.Width),
			PrefixLen: int32(m.PrefixLen),
		}}
	case ir.MatchRange:
		fm.FieldMatchType = &p4v1.FieldMatch_Range_{Range: &p4v1.FieldMatch_Range{
			Low:  EncodeValue(m.Value, m.Width),
			High: EncodeValue(m.High, m.Width),
		}}
	case ir.MatchOptional:
		fm.FieldMatchType = &p4v1.FieldMatch_Optional_{Optional: &p4v1.FieldMatch_Optional{Value: EncodeValue(m.Value, m.Width)}}
	default:
		return nil, fmt.Errorf("unsupported match kind %q", m.Kind)
	}
	return fm, nil
}

func (s *Schema) action(a *p4testgen.ConcreteAction) (*p4v1.Action, error) {
	info := s.actions[a.Name]
	if info == nil {
		return nil, fmt.Errorf("action not found: %q", a.Name)
	}

	action := &p4v1.Action{ActionId: info.Preamble.Id}
	for _, arg := range a.Args {
		var id uint32
		for _, p := range info.Params {
			if p.Name == arg.Param {
				id = p.Id
			}
		}
		if id == 0 {
			return nil, fmt.Errorf("action %s: param not found: %q", a.Name, arg.Param)
		}
		action.Params = append(action.Params, &p4v1.Action_Param{ParamId: id, Value: EncodeValue(arg.Value, arg.Width)})
	}
	return action, nil
}

// EncodeValue returns v as a big-endian byte string padded to the byte
// width of a width-bit value.
func EncodeValue(v uint64, width uint) []byte {
	n := (width + 7) / 8
	if n == 0 {
		n = 1
	}
	b := make([]byte, n)
	for i := int(n) - 1; i >= 0 && v > 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// WriteRequest returns the write request installing the control plane of test.
func (s *Schema) WriteRequest(deviceID uint64, test *p4testgen.TestSpec) (*p4v1.WriteRequest, error) {
	req := &p4v1.WriteRequest{DeviceId: deviceID}
	if test.ControlPlane == nil {
		return req, nil
	}

	updates, err := s.Updates(test.ControlPlane)
	if err != nil {
		return nil, fmt.Errorf("test %d: %w", test.ID, err)
	}
	req.Updates = updates
	return req, nil
}

// WriteFile writes the write requests of tests to filename in protobuf text
// format. The generated P4Runtime types use the v1 protobuf API and are
// wrapped before marshaling.
func (s *Schema) WriteFile(filename string, deviceID uint64, tests []*p4testgen.TestSpec) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	opt := prototext.MarshalOptions{Multiline: true}
	for _, test := range tests {
		req, err := s.WriteRequest(deviceID, test)
		if err != nil {
			return err
		}
		buf, err := opt.Marshal(protov1.MessageV2(req))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(f, "# test %d\n%s\n", test.ID, buf); err != nil {
			return err
		}
	}
	return f.Close()
}

// MarshalInfo returns the P4Info of the schema in protobuf text format.
func (s *Schema) MarshalInfo() ([]byte, error) {
	return prototext.MarshalOptions{Multiline: true}.Marshal(protov1.MessageV2(s.Info))
}
