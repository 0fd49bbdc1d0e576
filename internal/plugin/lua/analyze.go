package lua

import (
	"fmt"
	"sort"

	"github.com/yuin/gopher-lua/ast"
)

// Diagnostic is a problem found while checking a parsed chunk.
type Diagnostic struct {
	Source  string
	Line    int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d: %s", d.Source, d.Line, d.Message)
}

// Analyze checks a parsed chunk for reads of undefined global variables.
//
// A global read is undefined when the name is not in builtins and is never
// assigned as a global anywhere in the chunk. Diagnostics are returned in
// source order, one per offending reference.
func Analyze(source string, chunk []ast.Stmt, builtins map[string]bool) []Diagnostic {
	a := &analyzer{
		builtins: builtins,
		writes:   make(map[string]bool),
	}
	a.block(chunk, newScope(nil))

	var diags []Diagnostic
	for _, r := range a.reads {
		if a.builtins[r.name] || a.writes[r.name] {
			continue
		}
		diags = append(diags, Diagnostic{
			Source:  source,
			Line:    r.line,
			Message: fmt.Sprintf("undefined variable '%s'", r.name),
		})
	}

	sort.SliceStable(diags, func(i, j int) bool {
		return diags[i].Line < diags[j].Line
	})
	return diags
}

type globalRead struct {
	name string
	line int
}

type scope struct {
	parent *scope
	names  map[string]bool
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, names: make(map[string]bool)}
}

func (s *scope) declare(names ...string) {
	for _, n := range names {
		s.names[n] = true
	}
}

func (s *scope) isLocal(name string) bool {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.names[name] {
			return true
		}
	}
	return false
}

type analyzer struct {
	builtins map[string]bool
	writes   map[string]bool
	reads    []globalRead
}

func (a *analyzer) block(stmts []ast.Stmt, sc *scope) {
	for _, st := range stmts {
		a.stmt(st, sc)
	}
}

func (a *analyzer) stmt(st ast.Stmt, sc *scope) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		a.exprs(s.Rhs, sc)
		for _, lhs := range s.Lhs {
			a.assignTarget(lhs, sc)
		}
	case *ast.LocalAssignStmt:
		// local function f() ... end can refer to itself
		if len(s.Names) == 1 && len(s.Exprs) == 1 {
			if fn, ok := s.Exprs[0].(*ast.FunctionExpr); ok {
				sc.declare(s.Names[0])
				a.function(fn, sc, false)
				return
			}
		}
		a.exprs(s.Exprs, sc)
		sc.declare(s.Names...)
	case *ast.FuncCallStmt:
		a.expr(s.Expr, sc)
	case *ast.DoBlockStmt:
		a.block(s.Stmts, newScope(sc))
	case *ast.WhileStmt:
		a.expr(s.Condition, sc)
		a.block(s.Stmts, newScope(sc))
	case *ast.RepeatStmt:
		// the condition sees the body's locals
		inner := newScope(sc)
		a.block(s.Stmts, inner)
		a.expr(s.Condition, inner)
	case *ast.IfStmt:
		a.expr(s.Condition, sc)
		a.block(s.Then, newScope(sc))
		a.block(s.Else, newScope(sc))
	case *ast.NumberForStmt:
		a.expr(s.Init, sc)
		a.expr(s.Limit, sc)
		a.expr(s.Step, sc)
		inner := newScope(sc)
		inner.declare(s.Name)
		a.block(s.Stmts, inner)
	case *ast.GenericForStmt:
		a.exprs(s.Exprs, sc)
		inner := newScope(sc)
		inner.declare(s.Names...)
		a.block(s.Stmts, inner)
	case *ast.FuncDefStmt:
		method := false
		if s.Name != nil {
			if s.Name.Func != nil {
				a.assignTarget(s.Name.Func, sc)
			}
			if s.Name.Receiver != nil {
				a.expr(s.Name.Receiver, sc)
				method = s.Name.Method != ""
			}
		}
		a.function(s.Func, sc, method)
	case *ast.ReturnStmt:
		a.exprs(s.Exprs, sc)
	}
}

// assignTarget records a write to an assignable expression.
func (a *analyzer) assignTarget(e ast.Expr, sc *scope) {
	switch t := e.(type) {
	case *ast.IdentExpr:
		if !sc.isLocal(t.Value) {
			a.writes[t.Value] = true
		}
	case *ast.AttrGetExpr:
		a.expr(t.Object, sc)
		a.expr(t.Key, sc)
	default:
		a.expr(e, sc)
	}
}

func (a *analyzer) function(fn *ast.FunctionExpr, sc *scope, method bool) {
	if fn == nil {
		return
	}
	inner := newScope(sc)
	if method {
		inner.declare("self")
	}
	if fn.ParList != nil {
		inner.declare(fn.ParList.Names...)
	}
	a.block(fn.Stmts, inner)
}

func (a *analyzer) exprs(es []ast.Expr, sc *scope) {
	for _, e := range es {
		a.expr(e, sc)
	}
}

func (a *analyzer) expr(e ast.Expr, sc *scope) {
	switch x := e.(type) {
	case nil:
	case *ast.IdentExpr:
		if !sc.isLocal(x.Value) {
			a.reads = append(a.reads, globalRead{name: x.Value, line: x.Line()})
		}
	case *ast.AttrGetExpr:
		a.expr(x.Object, sc)
		a.expr(x.Key, sc)
	case *ast.TableExpr:
		for _, f := range x.Fields {
			a.expr(f.Key, sc)
			a.expr(f.Value, sc)
		}
	case *ast.FuncCallExpr:
		a.expr(x.Func, sc)
		a.expr(x.Receiver, sc)
		a.exprs(x.Args, sc)
	case *ast.LogicalOpExpr:
		a.expr(x.Lhs, sc)
		a.expr(x.Rhs, sc)
	case *ast.RelationalOpExpr:
		a.expr(x.Lhs, sc)
		a.expr(x.Rhs, sc)
	case *ast.StringConcatOpExpr:
		a.expr(x.Lhs, sc)
		a.expr(x.Rhs, sc)
	case *ast.ArithmeticOpExpr:
		a.expr(x.Lhs, sc)
		a.expr(x.Rhs, sc)
	case *ast.UnaryMinusOpExpr:
		a.expr(x.Expr, sc)
	case *ast.UnaryNotOpExpr:
		a.expr(x.Expr, sc)
	case *ast.UnaryLenOpExpr:
		a.expr(x.Expr, sc)
	case *ast.FunctionExpr:
		a.function(x, sc, false)
	}
}
