package z3

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	"github.com/benbjohnson/p4testgen"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
#include <stdint.h>
*/
import "C"

// Ensure solver implements interface.
var _ p4testgen.Solver = (*Solver)(nil)

// Solver represents a solver that uses an embedded Z3 solver.
type Solver struct {
	ctx   *Context
	stats Stats

	// Per-query time limit. Zero means no limit.
	Timeout time.Duration
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{
		ctx: NewContext(),
	}
}

// Close deletes the underlying Z3 context.
func (s *Solver) Close() error {
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats {
	return s.stats
}

// Solve checks the constraints and, if satisfiable, returns a model holding
// a value for each of vars and the initial contents of each of arrays.
func (s *Solver) Solve(constraints []p4testgen.Expr, vars []*p4testgen.VarExpr, arrays []*p4testgen.Array) (satisfiable bool, model *p4testgen.Model, err error) {
	t := time.Now()
	defer func() {
		s.stats.SolveN++
		s.stats.SolveTime += time.Since(t)
	}()

	solver := C.Z3_mk_solver(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_solver"); err != nil {
		return false, nil, err
	}
	C.Z3_solver_inc_ref(s.ctx.raw, solver)
	defer C.Z3_solver_dec_ref(s.ctx.raw, solver)

	if s.Timeout > 0 {
		if err := s.ctx.setTimeout(solver, s.Timeout); err != nil {
			return false, nil, err
		}
	}

	// Assert constraints.
	for _, constraint := range constraints {
		z3Constraint, err := s.ctx.toBool(constraint)
		if err != nil {
			return false, nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, z3Constraint)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return false, nil, err
		}
	}

	// Check equations with the solver.
	// Exit immediately if unsatisfiable or the solver encountered an error.
	ret := C.Z3_solver_check(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_check"); err != nil {
		return false, nil, err
	} else if ret == C.Z3_L_FALSE {
		return false, nil, nil
	} else if ret == C.Z3_L_UNDEF {
		reason := C.GoString(C.Z3_solver_get_reason_unknown(s.ctx.raw, solver))
		switch {
		case strings.Contains(reason, "timeout"):
			return false, nil, p4testgen.ErrSolverTimeout
		case strings.Contains(reason, "canceled"):
			return false, nil, p4testgen.ErrSolverCanceled
		case strings.Contains(reason, "(resource limits reached)"):
			return false, nil, p4testgen.ErrSolverResourceLimit
		case strings.Contains(reason, "unknown"):
			return false, nil, p4testgen.ErrSolverUnknown
		default:
			return false, nil, fmt.Errorf("z3: %s", reason)
		}
	} else if len(vars) == 0 && len(arrays) == 0 {
		return true, nil, nil // no symbolics, ignore model
	}

	// Calculate a model for the given formula.
	z3Model := C.Z3_solver_get_model(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return true, nil, err
	}
	C.Z3_model_inc_ref(s.ctx.raw, z3Model)
	defer C.Z3_model_dec_ref(s.ctx.raw, z3Model)

	model = p4testgen.NewModel()
	for _, v := range vars {
		value, err := s.ctx.evalVar(z3Model, v)
		if err != nil {
			return true, nil, err
		}
		model.Values[v.Name] = value
	}
	for _, array := range arrays {
		value, err := s.ctx.evalArray(z3Model, array)
		if err != nil {
			return true, nil, err
		}
		model.Arrays[array.ID] = value
	}
	return true, model, nil
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw C.Z3_context
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return ctx.err("Z3_del_context")
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

func (ctx *Context) setTimeout(solver C.Z3_solver, d time.Duration) error {
	params := C.Z3_mk_params(ctx.raw)
	C.Z3_params_inc_ref(ctx.raw, params)
	defer C.Z3_params_dec_ref(ctx.raw, params)

	cname := C.CString("timeout")
	defer C.free(unsafe.Pointer(cname))
	C.Z3_params_set_uint(ctx.raw, params, C.Z3_mk_string_symbol(ctx.raw, cname), C.uint(d.Milliseconds()))
	C.Z3_solver_set_params(ctx.raw, solver, params)
	return ctx.err("Z3_solver_set_params")
}

// toAST returns a new Z3 AST for an expression. Width-1 expressions are
// built with the bool sort, everything else as a bit-vector.
func (ctx *Context) toAST(expr p4testgen.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *p4testgen.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *p4testgen.VarExpr:
		return ctx.toVarAST(expr)
	case *p4testgen.TaintExpr:
		return ctx.toConstantAST(p4testgen.NewConstantExpr(0, expr.Width))
	case *p4testgen.SelectExpr:
		return ctx.toSelectAST(expr)
	case *p4testgen.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *p4testgen.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *p4testgen.CastExpr:
		return ctx.toCastAST(expr)
	case *p4testgen.NotExpr:
		return ctx.toNotAST(expr)
	case *p4testgen.IteExpr:
		return ctx.toIteAST(expr)
	case *p4testgen.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

// toBool returns a bool-sorted AST for a constraint.
func (ctx *Context) toBool(expr p4testgen.Expr) (C.Z3_ast, error) {
	if w := p4testgen.ExprWidth(expr); w != p4testgen.WidthBool {
		return nil, fmt.Errorf("z3: constraint must be boolean, got width %d: %s", w, expr)
	}
	return ctx.toAST(expr)
}

// toBV returns ast as a bit-vector, converting the bool sort to bv1.
func (ctx *Context) toBV(ast C.Z3_ast) (C.Z3_ast, error) {
	if !ctx.isBool(ast) {
		return ast, nil
	}
	one, err := ctx.makeUint64(1, 1)
	if err != nil {
		return nil, err
	}
	zero, err := ctx.makeUint64(1, 0)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_ite(ctx.raw, ast, one, zero), ctx.err("Z3_mk_ite")
}

// fromBV converts a bv1 AST to the bool sort.
func (ctx *Context) fromBV(ast C.Z3_ast) (C.Z3_ast, error) {
	if ctx.isBool(ast) {
		return ast, nil
	}
	one, err := ctx.makeUint64(1, 1)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_eq(ctx.raw, ast, one), ctx.err("Z3_mk_eq")
}

func (ctx *Context) isBool(ast C.Z3_ast) bool {
	return C.Z3_get_sort_kind(ctx.raw, C.Z3_get_sort(ctx.raw, ast)) == C.Z3_BOOL_SORT
}

func (ctx *Context) toConstantAST(expr *p4testgen.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == 1 {
		if expr.IsTrue() {
			return ctx.makeTrue()
		}
		return ctx.makeFalse()
	} else if expr.Width == 0 {
		return nil, fmt.Errorf("z3.Context.toConstantAST: zero-width constant")
	} else if expr.Width <= 32 {
		return ctx.makeUint(expr.Width, uint32(expr.Value))
	} else if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toVarAST(expr *p4testgen.VarExpr) (C.Z3_ast, error) {
	sort, err := ctx.makeSort(expr.Width)
	if err != nil {
		return nil, err
	}
	cname := C.CString(expr.Name)
	defer C.free(unsafe.Pointer(cname))
	return C.Z3_mk_const(ctx.raw, C.Z3_mk_string_symbol(ctx.raw, cname), sort), ctx.err("Z3_mk_const")
}

func (ctx *Context) toSelectAST(expr *p4testgen.SelectExpr) (C.Z3_ast, error) {
	array, err := ctx.makeArrayConst(expr.Array)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(expr.Index)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_select(ctx.raw, array, index), ctx.err("Z3_mk_select")
}

func (ctx *Context) toConcatAST(expr *p4testgen.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toBVAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toBVAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

// toBVAST returns expr as a bit-vector AST.
func (ctx *Context) toBVAST(expr p4testgen.Expr) (C.Z3_ast, error) {
	ast, err := ctx.toAST(expr)
	if err != nil {
		return nil, err
	}
	return ctx.toBV(ast)
}

func (ctx *Context) toExtractAST(expr *p4testgen.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toBVAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	extract := C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset+expr.Width-1), C.uint(expr.Offset), src)
	if err := ctx.err("Z3_mk_extract"); err != nil {
		return nil, err
	}

	// If extracting single bit, use EQ expression to convert to bool sort.
	if expr.Width == 1 {
		return ctx.fromBV(extract)
	}
	return extract, nil
}

func (ctx *Context) toCastAST(expr *p4testgen.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toBVAST(expr.Src)
	if err != nil {
		return nil, err
	}
	srcWidth := p4testgen.ExprWidth(expr.Src)

	var result C.Z3_ast
	switch {
	case expr.Width < srcWidth:
		result = C.Z3_mk_extract(ctx.raw, C.uint(expr.Width-1), 0, src)
		if err := ctx.err("Z3_mk_extract"); err != nil {
			return nil, err
		}
	case expr.Width == srcWidth:
		result = src
	case expr.Signed:
		result = C.Z3_mk_sign_ext(ctx.raw, C.uint(expr.Width-srcWidth), src)
		if err := ctx.err("Z3_mk_sign_ext"); err != nil {
			return nil, err
		}
	default:
		result = C.Z3_mk_zero_ext(ctx.raw, C.uint(expr.Width-srcWidth), src)
		if err := ctx.err("Z3_mk_zero_ext"); err != nil {
			return nil, err
		}
	}

	if expr.Width == 1 {
		return ctx.fromBV(result)
	}
	return result, nil
}

func (ctx *Context) toNotAST(expr *p4testgen.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If boolean, use boolean NOT operation.
	if ctx.isBool(src) {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toIteAST(expr *p4testgen.IteExpr) (C.Z3_ast, error) {
	cond, err := ctx.toAST(expr.Cond)
	if err != nil {
		return nil, err
	}
	then, err := ctx.toAST(expr.Then)
	if err != nil {
		return nil, err
	}
	els, err := ctx.toAST(expr.Else)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_ite(ctx.raw, cond, then, els), ctx.err("Z3_mk_ite")
}

func (ctx *Context) toBinaryAST(expr *p4testgen.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}

	// Boolean operands use logical connectives where one exists.
	if ctx.isBool(lhs) {
		args := [2]C.Z3_ast{lhs, rhs}
		switch expr.Op {
		case p4testgen.AND:
			return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
		case p4testgen.OR:
			return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
		case p4testgen.XOR:
			return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
		case p4testgen.EQ:
			return C.Z3_mk_iff(ctx.raw, lhs, rhs), ctx.err("Z3_mk_iff")
		case p4testgen.NE:
			return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
		}

		// Otherwise compute over bv1.
		if lhs, err = ctx.toBV(lhs); err != nil {
			return nil, err
		}
		if rhs, err = ctx.toBV(rhs); err != nil {
			return nil, err
		}
	}

	var result C.Z3_ast
	switch expr.Op {
	case p4testgen.ADD:
		result = C.Z3_mk_bvadd(ctx.raw, lhs, rhs)
	case p4testgen.SUB:
		result = C.Z3_mk_bvsub(ctx.raw, lhs, rhs)
	case p4testgen.MUL:
		result = C.Z3_mk_bvmul(ctx.raw, lhs, rhs)
	case p4testgen.AND:
		result = C.Z3_mk_bvand(ctx.raw, lhs, rhs)
	case p4testgen.OR:
		result = C.Z3_mk_bvor(ctx.raw, lhs, rhs)
	case p4testgen.XOR:
		result = C.Z3_mk_bvxor(ctx.raw, lhs, rhs)
	case p4testgen.SHL:
		result = C.Z3_mk_bvshl(ctx.raw, lhs, rhs)
	case p4testgen.LSHR:
		result = C.Z3_mk_bvlshr(ctx.raw, lhs, rhs)
	case p4testgen.ASHR:
		result = C.Z3_mk_bvashr(ctx.raw, lhs, rhs)
	case p4testgen.EQ:
		result = C.Z3_mk_eq(ctx.raw, lhs, rhs)
	case p4testgen.NE:
		eq := C.Z3_mk_eq(ctx.raw, lhs, rhs)
		if err := ctx.err("Z3_mk_eq"); err != nil {
			return nil, err
		}
		result = C.Z3_mk_not(ctx.raw, eq)
	case p4testgen.ULT:
		result = C.Z3_mk_bvult(ctx.raw, lhs, rhs)
	case p4testgen.ULE:
		result = C.Z3_mk_bvule(ctx.raw, lhs, rhs)
	case p4testgen.UGT:
		result = C.Z3_mk_bvugt(ctx.raw, lhs, rhs)
	case p4testgen.UGE:
		result = C.Z3_mk_bvuge(ctx.raw, lhs, rhs)
	case p4testgen.SLT:
		result = C.Z3_mk_bvslt(ctx.raw, lhs, rhs)
	case p4testgen.SLE:
		result = C.Z3_mk_bvsle(ctx.raw, lhs, rhs)
	case p4testgen.SGT:
		result = C.Z3_mk_bvsgt(ctx.raw, lhs, rhs)
	case p4testgen.SGE:
		result = C.Z3_mk_bvsge(ctx.raw, lhs, rhs)
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
	if err := ctx.err("Z3_mk_" + expr.Op.String()); err != nil {
		return nil, err
	}

	// Arithmetic on bool operands yields a bool.
	if expr.Op.IsArithmetic() && p4testgen.ExprWidth(expr.LHS) == 1 {
		return ctx.fromBV(result)
	}
	return result, nil
}

func (ctx *Context) makeTrue() (C.Z3_ast, error) {
	return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
}

func (ctx *Context) makeFalse() (C.Z3_ast, error) {
	return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
}

// makeSort returns the bool sort for width 1 and a bit-vector sort otherwise.
func (ctx *Context) makeSort(width uint) (C.Z3_sort, error) {
	if width == 1 {
		return C.Z3_mk_bool_sort(ctx.raw), ctx.err("Z3_mk_bool_sort")
	}
	return ctx.makeBVSort(width)
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint(width uint, value uint32) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int(ctx.raw, C.uint(value), t), ctx.err("Z3_mk_unsigned_int")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.uint64_t(value), t), ctx.err("Z3_mk_unsigned_int64")
}

// makeArrayConst returns the root constant array.
func (ctx *Context) makeArrayConst(array *p4testgen.Array) (C.Z3_ast, error) {
	// Construct array sort.
	domainSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(p4testgen.Width64))
	if err := ctx.err("Z3_mk_bv_sort[domain]"); err != nil {
		return nil, err
	}
	rangeSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(p4testgen.Width8))
	if err := ctx.err("Z3_mk_bv_sort[range]"); err != nil {
		return nil, err
	}
	arraySort := C.Z3_mk_array_sort(ctx.raw, domainSort, rangeSort)
	if err := ctx.err("Z3_mk_array_sort"); err != nil {
		return nil, err
	}

	// Construct Z3 string for name.
	cname := C.CString(arrayName(array))
	defer C.free(unsafe.Pointer(cname))
	nameSymbol := C.Z3_mk_string_symbol(ctx.raw, cname)

	return C.Z3_mk_const(ctx.raw, nameSymbol, arraySort), ctx.err("Z3_mk_const")
}

// evalVar evaluates a variable against the model. Variables the model does
// not constrain evaluate to zero.
func (ctx *Context) evalVar(model C.Z3_model, v *p4testgen.VarExpr) (*p4testgen.ConstantExpr, error) {
	ast, err := ctx.toVarAST(v)
	if err != nil {
		return nil, err
	}

	var z3Expr C.Z3_ast
	C.Z3_model_eval(ctx.raw, model, ast, C.bool(true), &z3Expr)
	if err := ctx.err("Z3_model_eval"); err != nil {
		return nil, err
	}

	if v.Width == 1 {
		return p4testgen.NewBoolConstantExpr(C.Z3_get_bool_value(ctx.raw, z3Expr) == C.Z3_L_TRUE), nil
	}

	var value C.uint64_t
	C.Z3_get_numeral_uint64(ctx.raw, z3Expr, &value)
	if err := ctx.err("Z3_get_numeral_uint64"); err != nil {
		return nil, err
	}
	return p4testgen.NewConstantExpr(uint64(value), v.Width), nil
}

// evalArray evaluates a single array into its initial byte slice value.
func (ctx *Context) evalArray(model C.Z3_model, array *p4testgen.Array) ([]byte, error) {
	// Generate a reference to the root array.
	z3Array, err := ctx.makeArrayConst(array)
	if err != nil {
		return nil, err
	}

	value := make([]byte, 0, array.Size)
	for offset := uint(0); offset < array.Size; offset++ {
		z3Offset, err := ctx.makeUint64(64, uint64(offset))
		if err != nil {
			return nil, err
		}

		// Generate an expression to select a single byte from the array.
		z3Select := C.Z3_mk_select(ctx.raw, z3Array, z3Offset)
		if err := ctx.err("Z3_mk_select"); err != nil {
			return nil, err
		}

		// Evaluate the expression against the Z3 model.
		var z3Expr C.Z3_ast
		C.Z3_model_eval(ctx.raw, model, z3Select, C.bool(true), &z3Expr)
		if err := ctx.err("Z3_model_eval"); err != nil {
			return nil, err
		}

		// Extract the byte from the evaluation.
		var z3Byte C.int
		C.Z3_get_numeral_int(ctx.raw, z3Expr, &z3Byte)
		if err := ctx.err("Z3_get_numeral_int"); err != nil {
			return nil, err
		}
		value = append(value, byte(z3Byte))
	}
	return value, nil
}

func arrayName(array *p4testgen.Array) string {
	if array.Name != "" {
		return array.Name
	}
	return fmt.Sprintf("A%d", array.ID)
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Possible error codes.
const (
	ErrorCodeOK = iota
	ErrorCodeSortError
	ErrorCodeIOB
	ErrorCodeInvalidArg
	ErrorCodeParserError
	ErrorCodeNoParser
	ErrorCodeInvalidPattern
	ErrorCodeMemoutFail
	ErrorCodeFileAccessError
	ErrorCodeInternalFatal
	ErrorCodeInvalidUsage
	ErrorCodeDecRefError
	ErrorCodeException
)

// Stats holds solver counters.
type Stats struct {
	SolveN    int
	SolveTime time.Duration
}
