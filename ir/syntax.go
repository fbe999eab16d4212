package ir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// exprLexer tokenizes expressions. ">>" is lexed as two ">" tokens so that
// nested type arguments such as "lookahead<bit<8>>()" close correctly.
var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Int", Pattern: `\d+[ws](0x[0-9a-fA-F_]+|0b[01_]+|\d+)|0x[0-9a-fA-F_]+|0b[01_]+|\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `&&|\|\||==|!=|<=|>=|<<|\+\+|[-+*&|^~!<>()\[\]?:.,=]`},
})

var exprParser = participle.MustBuild[exprAST](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(4),
)

var typeParser = participle.MustBuild[typeAST](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
)

type exprAST struct {
	Cond *binaryAST `parser:"@@"`
	Then *exprAST   `parser:"( \"?\" @@"`
	Else *exprAST   `parser:"  \":\" @@ )?"`
}

type binaryAST struct {
	Head *unaryAST    `parser:"@@"`
	Tail []*opTermAST `parser:"@@*"`
}

type opTermAST struct {
	Op   string    `parser:"@( \"||\" | \"&&\" | \"==\" | \"!=\" | \"<=\" | \">=\" | \"<<\" | \">\" \">\" | \"<\" | \">\" | \"++\" | \"+\" | \"-\" | \"*\" | \"&\" | \"|\" | \"^\" )"`
	Term *unaryAST `parser:"@@"`
}

type unaryAST struct {
	Op      string      `parser:"  ( @( \"!\" | \"~\" | \"-\" )"`
	Unary   *unaryAST   `parser:"    @@ )"`
	Cast    *castAST    `parser:"| @@"`
	Postfix *postfixAST `parser:"| @@"`
}

type castAST struct {
	Type *typeAST  `parser:"\"(\" @@ \")\""`
	Expr *unaryAST `parser:"@@"`
}

type postfixAST struct {
	Primary *primaryAST  `parser:"@@"`
	Suffix  []*suffixAST `parser:"@@*"`
}

type suffixAST struct {
	Member   string     `parser:"  \".\" @Ident"`
	TypeArgs []*typeAST `parser:"    ( \"<\" @@ ( \",\" @@ )* \">\" )?"`
	Call     *callAST   `parser:"    @@?"`
	Slice    *sliceAST  `parser:"| @@"`
}

type callAST struct {
	Open bool      `parser:"@\"(\""`
	Args []*argAST `parser:"( @@ ( \",\" @@ )* )? \")\""`
}

type argAST struct {
	Name string   `parser:"( @Ident \"=\" )?"`
	Expr *exprAST `parser:"@@"`
}

type sliceAST struct {
	Hi int `parser:"\"[\" @Int"`
	Lo int `parser:"\":\" @Int \"]\""`
}

type primaryAST struct {
	Bool  *string      `parser:"  @( \"true\" | \"false\" )"`
	Int   *string      `parser:"| @Int"`
	Func  *funcCastAST `parser:"| @@"`
	Call  *freeCallAST `parser:"| @@"`
	Ident *string      `parser:"| @Ident"`
	Paren *exprAST     `parser:"| \"(\" @@ \")\""`
}

type funcCastAST struct {
	Type *typeAST `parser:"@@"`
	Expr *exprAST `parser:"\"(\" @@ \")\""`
}

type freeCallAST struct {
	Name string   `parser:"@Ident"`
	Call *callAST `parser:"@@"`
}

type typeAST struct {
	Bool  bool   `parser:"  @\"bool\""`
	Kind  string `parser:"| @( \"bit\" | \"int\" | \"varbit\" )"`
	Width int    `parser:"  \"<\" @Int \">\""`
}

func (t *typeAST) build() Type {
	switch {
	case t.Bool:
		return &BoolType{}
	case t.Kind == "varbit":
		return &VarbitType{MaxWidth: t.Width}
	default:
		return &BitsType{Width: t.Width, Signed: t.Kind == "int"}
	}
}

// ParseExpression parses an expression from its source form.
func ParseExpression(s string) (Expression, error) {
	ast, err := exprParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", s, err)
	}
	return ast.build()
}

// MustParseExpression parses s and panics on error.
func MustParseExpression(s string) Expression {
	expr, err := ParseExpression(s)
	if err != nil {
		panic(err)
	}
	return expr
}

// ParseScalarType parses a bit, int, varbit, or bool type.
func ParseScalarType(s string) (Type, error) {
	ast, err := typeParser.ParseString("", s)
	if err != nil {
		return nil, fmt.Errorf("parse type %q: %w", s, err)
	}
	return ast.build(), nil
}

func (ast *exprAST) build() (Expression, error) {
	cond, err := ast.Cond.build()
	if err != nil {
		return nil, err
	} else if ast.Then == nil {
		return cond, nil
	}

	then, err := ast.Then.build()
	if err != nil {
		return nil, err
	}
	els, err := ast.Else.build()
	if err != nil {
		return nil, err
	}
	return &Mux{Cond: cond, Then: then, Else: els}, nil
}

// precedence returns the binding strength of a binary operator.
func precedence(op string) int {
	switch op {
	case OpLOr:
		return 1
	case OpLAnd:
		return 2
	case OpEq, OpNe:
		return 3
	case OpLt, OpLe, OpGt, OpGe:
		return 4
	case OpOr:
		return 5
	case OpXor:
		return 6
	case OpAnd:
		return 7
	case OpShl, OpShr:
		return 8
	case OpConcat, OpAdd, OpSub:
		return 9
	case OpMul:
		return 10
	default:
		return 0
	}
}

// build folds the flat operand list using operator precedence. All binary
// operators are left associative.
func (ast *binaryAST) build() (Expression, error) {
	operands := make([]Expression, 0, len(ast.Tail)+1)
	head, err := ast.Head.build()
	if err != nil {
		return nil, err
	}
	operands = append(operands, head)

	var ops []string
	reduce := func() {
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		l, r := operands[len(operands)-2], operands[len(operands)-1]
		operands = append(operands[:len(operands)-2], &Binary{Op: op, Left: l, Right: r})
	}

	for _, term := range ast.Tail {
		for len(ops) > 0 && precedence(ops[len(ops)-1]) >= precedence(term.Op) {
			reduce()
		}
		ops = append(ops, term.Op)

		expr, err := term.Term.build()
		if err != nil {
			return nil, err
		}
		operands = append(operands, expr)
	}
	for len(ops) > 0 {
		reduce()
	}
	return operands[0], nil
}

func (ast *unaryAST) build() (Expression, error) {
	switch {
	case ast.Unary != nil:
		expr, err := ast.Unary.build()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: ast.Op, Expr: expr}, nil
	case ast.Cast != nil:
		expr, err := ast.Cast.Expr.build()
		if err != nil {
			return nil, err
		}
		return &Cast{Type: ast.Cast.Type.build(), Expr: expr}, nil
	default:
		return ast.Postfix.build()
	}
}

func (ast *postfixAST) build() (Expression, error) {
	expr, err := ast.Primary.build()
	if err != nil {
		return nil, err
	}

	for _, suffix := range ast.Suffix {
		switch {
		case suffix.Slice != nil:
			if suffix.Slice.Hi < suffix.Slice.Lo {
				return nil, fmt.Errorf("invalid slice [%d:%d]", suffix.Slice.Hi, suffix.Slice.Lo)
			}
			expr = &Slice{Expr: expr, Hi: suffix.Slice.Hi, Lo: suffix.Slice.Lo}

		case suffix.Call != nil:
			call := &MethodCall{Receiver: expr, Method: suffix.Member}
			for _, t := range suffix.TypeArgs {
				call.TypeArgs = append(call.TypeArgs, t.build())
			}
			if call.Args, call.ArgNames, err = buildArgs(suffix.Call.Args); err != nil {
				return nil, err
			}
			expr = call

		default:
			// "t.apply().hit" is rewritten into a reference to the table result.
			if call, ok := expr.(*MethodCall); ok && call.Method == "apply" && (suffix.Member == "hit" || suffix.Member == "miss") {
				expr = &TableHit{Table: PathString(call.Receiver), Miss: suffix.Member == "miss"}
				continue
			}
			expr = &Member{Expr: expr, Name: suffix.Member}
		}
	}
	return expr, nil
}

// buildArgs returns the call arguments and, for named calls, the parameter
// name bound by each argument. Named and positional arguments cannot mix.
func buildArgs(asts []*argAST) (args []Expression, names []string, err error) {
	args = make([]Expression, 0, len(asts))
	for i, a := range asts {
		if (a.Name != "") != (asts[0].Name != "") {
			return nil, nil, fmt.Errorf("argument %d: cannot mix named and positional arguments", i)
		}
		arg, err := a.Expr.build()
		if err != nil {
			return nil, nil, err
		}
		args = append(args, arg)
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return args, names, nil
}

func (ast *primaryAST) build() (Expression, error) {
	switch {
	case ast.Bool != nil:
		return &BoolLiteral{Value: *ast.Bool == "true"}, nil
	case ast.Int != nil:
		return ParseConstant(*ast.Int)
	case ast.Func != nil:
		expr, err := ast.Func.Expr.build()
		if err != nil {
			return nil, err
		}
		return &Cast{Type: ast.Func.Type.build(), Expr: expr}, nil
	case ast.Call != nil:
		args, names, err := buildArgs(ast.Call.Call.Args)
		if err != nil {
			return nil, err
		}
		return &MethodCall{Method: ast.Call.Name, Args: args, ArgNames: names}, nil
	case ast.Ident != nil:
		return &PathExpr{Name: *ast.Ident}, nil
	default:
		return ast.Paren.build()
	}
}

// ParseConstant parses an integer literal such as "10", "0x800", or "16w0x800".
func ParseConstant(s string) (*Constant, error) {
	var typ Type
	lit := s
	if i := strings.IndexAny(s, "ws"); i > 0 && !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0b") {
		width, err := strconv.Atoi(s[:i])
		if err != nil {
			return nil, fmt.Errorf("invalid constant width %q", s)
		}
		typ, lit = &BitsType{Width: width, Signed: s[i] == 's'}, s[i+1:]
	}

	value, err := strconv.ParseUint(strings.ReplaceAll(lit, "_", ""), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid constant %q", s)
	}
	return &Constant{Value: value, Type: typ}, nil
}

// ParseKeyset parses a select case or table entry keyset. Accepted forms are
// "default", "_", "V", "V &&& M", "V/P" and "LO..HI".
func ParseKeyset(s string) (*Keyset, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "default" || s == "_":
		return &Keyset{Kind: KeysetDefault}, nil

	case strings.Contains(s, "&&&"):
		a, b, _ := strings.Cut(s, "&&&")
		value, err := parseKeysetValue(a)
		if err != nil {
			return nil, err
		}
		mask, err := parseKeysetValue(b)
		if err != nil {
			return nil, err
		}
		return &Keyset{Kind: KeysetMask, Value: value, Mask: mask}, nil

	case strings.Contains(s, ".."):
		a, b, _ := strings.Cut(s, "..")
		lo, err := parseKeysetValue(a)
		if err != nil {
			return nil, err
		}
		hi, err := parseKeysetValue(b)
		if err != nil {
			return nil, err
		}
		return &Keyset{Kind: KeysetRange, Low: lo, High: hi}, nil

	case strings.Contains(s, "/"):
		a, b, _ := strings.Cut(s, "/")
		value, err := parseKeysetValue(a)
		if err != nil {
			return nil, err
		}
		prefix, err := strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("invalid prefix length %q", s)
		}
		return &Keyset{Kind: KeysetPrefix, Value: value, PrefixLen: prefix}, nil

	default:
		value, err := parseKeysetValue(s)
		if err != nil {
			return nil, err
		}
		return &Keyset{Kind: KeysetValue, Value: value}, nil
	}
}

func parseKeysetValue(s string) (uint64, error) {
	c, err := ParseConstant(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return c.Value, nil
}
