package validator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

// Issue kinds. Stable strings: they appear in API responses and logs.
const (
	KindLength        = "length"
	KindSyntax        = "syntax"
	KindBlacklist     = "blacklist"
	KindComplexity    = "complexity"
	KindNesting       = "nesting"
	KindLineLength    = "line_length"
	KindNonPrintable  = "non_printable"
	KindURIScheme     = "uri_scheme"
	KindUnknownIdent  = "unknown_identifier"
	KindInfiniteLoop  = "infinite_loop"
)

// dangerousIdentifiers maps single identifiers that may never be referenced
// to the reason reported. Dynamic code construction, timers, module loading,
// and host globals all live here.
var dangerousIdentifiers = map[string]string{
	"eval":          "dynamic code construction",
	"Function":      "function constructor",
	"setTimeout":    "timer scheduling",
	"setInterval":   "timer scheduling",
	"setImmediate":  "timer scheduling",
	"clearTimeout":  "timer scheduling",
	"clearInterval": "timer scheduling",
	"require":       "module loading",
	"importScripts": "module loading",
	"process":       "process access",
	"global":        "global object access",
	"globalThis":    "global object access",
	"window":        "global object access",
	"document":      "document access",
	"XMLHttpRequest": "raw network access",
	"fetch":          "raw network access",
	"WebSocket":      "raw network access",
	"Worker":         "worker spawning",
}

// dangerousProperties are member accesses rejected regardless of the object
// they are read from.
var dangerousProperties = map[string]string{
	"__proto__":   "prototype mutation",
	"constructor": "reflective constructor access",
}

// dangerousCallPaths are dotted call targets that mutate prototypes through
// the standard library.
var dangerousCallPaths = map[string]string{
	"Object.setPrototypeOf":  "prototype mutation",
	"Reflect.setPrototypeOf": "prototype mutation",
	"Object.defineProperty":  "property definition on shared objects",
	"Reflect.construct":      "reflective construction",
}

// allowedRoots are bare identifiers a script may call or reference without
// raising an unknown-identifier finding.
var allowedRoots = map[string]bool{
	"Math": true, "JSON": true, "Object": true, "Array": true,
	"String": true, "Number": true, "Date": true, "RegExp": true,
	"Boolean": true, "Map": true, "Set": true, "Promise": true,
	"Error": true, "TypeError": true, "RangeError": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"encodeURIComponent": true, "decodeURIComponent": true,
	"encodeURI": true, "decodeURI": true,
	"console": true, "api": true,
}

// apiNamespaces are the capability namespaces scripts may reach through the
// api.* surface.
var apiNamespaces = map[string]bool{
	"database": true, "http": true, "events": true,
	"log": true, "utils": true, "validate": true,
}

// uriSchemes other than http(s) that must not appear in source literals.
var forbiddenSchemes = []string{
	"javascript:", "file:", "data:", "ftp:", "chrome:", "about:", "vbscript:",
}

type analysis struct {
	cfg    config.ValidatorConfig
	source string
	issues []Issue

	complexity int
	maxDepth   int
	depth      int
}

func newAnalysis(cfg config.ValidatorConfig, source string) *analysis {
	return &analysis{cfg: cfg, source: source}
}

func (a *analysis) run() []Issue {
	if len(a.source) > a.cfg.MaxLength {
		a.add(SeverityHigh, KindLength, 1,
			fmt.Sprintf("source is %d bytes, limit is %d", len(a.source), a.cfg.MaxLength))
		// Oversized input is not parsed; everything else would be noise.
		return a.issues
	}

	a.scanSource()

	program, err := parser.ParseFile(nil, "", a.source, 0)
	if err != nil {
		// Fail closed: unparseable source cannot be policy-checked.
		a.add(SeverityHigh, KindSyntax, 1, "parse error: "+firstLine(err.Error()))
		return a.issues
	}

	a.complexity = 1
	for _, stmt := range program.Body {
		a.walkStmt(stmt)
	}

	if a.complexity > a.cfg.MaxComplexity {
		a.add(SeverityMedium, KindComplexity, 1,
			fmt.Sprintf("cyclomatic complexity %d exceeds %d", a.complexity, a.cfg.MaxComplexity))
	}
	if a.maxDepth > a.cfg.MaxDepth {
		a.add(SeverityMedium, KindNesting, 1,
			fmt.Sprintf("nesting depth %d exceeds %d", a.maxDepth, a.cfg.MaxDepth))
	}

	return a.issues
}

func (a *analysis) add(sev Severity, kind string, line int, detail string) {
	a.issues = append(a.issues, Issue{Severity: sev, Kind: kind, Line: line, Detail: detail})
}

// scanSource applies the line-level checks that do not need a parse: line
// length, non-printable characters, and forbidden URI schemes.
func (a *analysis) scanSource() {
	lower := strings.ToLower(a.source)
	for _, scheme := range forbiddenSchemes {
		if idx := strings.Index(lower, scheme); idx >= 0 {
			a.add(SeverityHigh, KindURIScheme, lineOfOffset(a.source, idx),
				fmt.Sprintf("forbidden URI scheme %q", strings.TrimSuffix(scheme, ":")))
		}
	}

	for i, line := range strings.Split(a.source, "\n") {
		if len(line) > a.cfg.MaxLine {
			a.add(SeverityLow, KindLineLength, i+1,
				fmt.Sprintf("line is %d chars, limit is %d", len(line), a.cfg.MaxLine))
		}
		for _, r := range line {
			if r != '\t' && r != '\r' && !unicode.IsPrint(r) {
				a.add(SeverityHigh, KindNonPrintable, i+1,
					fmt.Sprintf("non-printable character U+%04X", r))
				break
			}
		}
	}
}

// walkStmt recurses through statements tracking nesting depth and
// complexity, and applying the blacklist and whitelist to everything it
// passes.
func (a *analysis) walkStmt(stmt ast.Statement) {
	if stmt == nil {
		return
	}
	switch s := stmt.(type) {
	case *ast.BlockStatement:
		for _, inner := range s.List {
			a.walkStmt(inner)
		}
	case *ast.ExpressionStatement:
		a.walkExpr(s.Expression)
	case *ast.IfStatement:
		a.complexity++
		if s.Alternate != nil {
			a.complexity++
		}
		a.walkExpr(s.Test)
		a.nested(func() {
			a.walkStmt(s.Consequent)
			a.walkStmt(s.Alternate)
		})
	case *ast.ForStatement:
		a.complexity++
		a.checkLoop(s.Test, s.Body, a.line(s.For), "for(;;)")
		a.walkForInit(s.Initializer)
		a.walkExpr(s.Test)
		a.walkExpr(s.Update)
		a.nested(func() { a.walkStmt(s.Body) })
	case *ast.WhileStatement:
		a.complexity++
		a.checkLoop(s.Test, s.Body, a.line(s.While), "while(true)")
		a.walkExpr(s.Test)
		a.nested(func() { a.walkStmt(s.Body) })
	case *ast.DoWhileStatement:
		a.complexity++
		a.checkLoop(s.Test, s.Body, a.line(s.Do), "do{}while(true)")
		a.walkExpr(s.Test)
		a.nested(func() { a.walkStmt(s.Body) })
	case *ast.ForInStatement:
		a.complexity++
		a.walkExpr(s.Source)
		a.nested(func() { a.walkStmt(s.Body) })
	case *ast.ForOfStatement:
		a.complexity++
		a.walkExpr(s.Source)
		a.nested(func() { a.walkStmt(s.Body) })
	case *ast.SwitchStatement:
		a.walkExpr(s.Discriminant)
		a.nested(func() {
			for _, c := range s.Body {
				if c.Test != nil {
					a.complexity++
					a.walkExpr(c.Test)
				}
				for _, inner := range c.Consequent {
					a.walkStmt(inner)
				}
			}
		})
	case *ast.TryStatement:
		a.nested(func() {
			a.walkStmt(s.Body)
			if s.Catch != nil {
				a.complexity++
				a.walkStmt(s.Catch.Body)
			}
			if s.Finally != nil {
				a.walkStmt(s.Finally)
			}
		})
	case *ast.WithStatement:
		a.add(SeverityHigh, KindBlacklist, a.line(s.With), "with statement")
		a.walkExpr(s.Object)
		a.walkStmt(s.Body)
	case *ast.ReturnStatement:
		a.walkExpr(s.Argument)
	case *ast.ThrowStatement:
		a.walkExpr(s.Argument)
	case *ast.VariableStatement:
		for _, b := range s.List {
			a.walkExpr(b.Initializer)
		}
	case *ast.LexicalDeclaration:
		for _, b := range s.List {
			a.walkExpr(b.Initializer)
		}
	case *ast.FunctionDeclaration:
		a.walkExpr(s.Function)
	case *ast.LabelledStatement:
		a.walkStmt(s.Statement)
	}
}

func (a *analysis) walkForInit(init ast.ForLoopInitializer) {
	switch i := init.(type) {
	case *ast.ForLoopInitializerExpression:
		a.walkExpr(i.Expression)
	case *ast.ForLoopInitializerVarDeclList:
		for _, b := range i.List {
			a.walkExpr(b.Initializer)
		}
	case *ast.ForLoopInitializerLexicalDecl:
		for _, b := range i.LexicalDeclaration.List {
			a.walkExpr(b.Initializer)
		}
	}
}

func (a *analysis) walkExpr(expr ast.Expression) {
	if expr == nil {
		return
	}
	switch e := expr.(type) {
	case *ast.Identifier:
		a.checkIdentifier(e.Name.String(), a.line(e.Idx))
	case *ast.CallExpression:
		a.checkCall(e.Callee, a.lineOfNode(e.Callee))
		a.walkExpr(e.Callee)
		for _, arg := range e.ArgumentList {
			a.walkExpr(arg)
		}
	case *ast.NewExpression:
		a.checkCall(e.Callee, a.line(e.New))
		a.walkExpr(e.Callee)
		for _, arg := range e.ArgumentList {
			a.walkExpr(arg)
		}
	case *ast.DotExpression:
		a.checkProperty(e.Identifier.Name.String(), a.lineOfNode(e.Left))
		a.walkExpr(e.Left)
	case *ast.BracketExpression:
		if lit, ok := e.Member.(*ast.StringLiteral); ok {
			a.checkProperty(lit.Value.String(), a.lineOfNode(e.Left))
		}
		a.walkExpr(e.Left)
		a.walkExpr(e.Member)
	case *ast.AssignExpression:
		a.checkPrototypeWrite(e.Left)
		a.walkExpr(e.Left)
		a.walkExpr(e.Right)
	case *ast.BinaryExpression:
		if e.Operator == token.LOGICAL_AND || e.Operator == token.LOGICAL_OR {
			a.complexity++
		}
		a.walkExpr(e.Left)
		a.walkExpr(e.Right)
	case *ast.UnaryExpression:
		a.walkExpr(e.Operand)
	case *ast.ConditionalExpression:
		a.complexity++
		a.walkExpr(e.Test)
		a.walkExpr(e.Consequent)
		a.walkExpr(e.Alternate)
	case *ast.FunctionLiteral:
		a.nested(func() { a.walkStmt(e.Body) })
	case *ast.ArrowFunctionLiteral:
		a.nested(func() {
			switch body := e.Body.(type) {
			case *ast.BlockStatement:
				a.walkStmt(body)
			case *ast.ExpressionBody:
				a.walkExpr(body.Expression)
			}
		})
	case *ast.ObjectLiteral:
		for _, prop := range e.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				a.walkExpr(p.Key)
				a.walkExpr(p.Value)
			case *ast.PropertyShort:
				a.walkExpr(p.Initializer)
			case *ast.SpreadElement:
				a.walkExpr(p.Expression)
			}
		}
	case *ast.ArrayLiteral:
		for _, el := range e.Value {
			a.walkExpr(el)
		}
	case *ast.TemplateLiteral:
		for _, sub := range e.Expressions {
			a.walkExpr(sub)
		}
	case *ast.SequenceExpression:
		for _, sub := range e.Sequence {
			a.walkExpr(sub)
		}
	}
}

func (a *analysis) nested(fn func()) {
	a.depth++
	if a.depth > a.maxDepth {
		a.maxDepth = a.depth
	}
	fn()
	a.depth--
}

// checkIdentifier flags referenced blacklisted identifiers. The whitelist is
// enforced at call sites only (checkCall); a bare reference to an unknown
// name is a runtime ReferenceError inside the sandbox, not our concern.
func (a *analysis) checkIdentifier(name string, line int) {
	if reason, ok := dangerousIdentifiers[name]; ok {
		a.add(SeverityHigh, KindBlacklist, line, fmt.Sprintf("%s (%s)", name, reason))
	}
}

// checkCall enforces the identifier whitelist on the call target.
func (a *analysis) checkCall(callee ast.Expression, line int) {
	path := calleePath(callee)
	if path == "" {
		// Dynamic callee (computed member, call result). The blacklist
		// still applies to its parts via the normal walk.
		return
	}
	if reason, ok := dangerousCallPaths[path]; ok {
		a.add(SeverityHigh, KindBlacklist, line, fmt.Sprintf("%s (%s)", path, reason))
		return
	}
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	if _, bad := dangerousIdentifiers[root]; bad {
		// Already reported by checkIdentifier during the walk.
		return
	}
	if root == "api" {
		parts := strings.Split(path, ".")
		if len(parts) < 3 || !apiNamespaces[parts[1]] {
			a.add(SeverityMedium, KindUnknownIdent, line,
				fmt.Sprintf("unknown api namespace in %q", path))
		}
		return
	}
	if !allowedRoots[root] {
		a.add(SeverityMedium, KindUnknownIdent, line,
			fmt.Sprintf("call to non-whitelisted identifier %q", path))
	}
}

func (a *analysis) checkProperty(name string, line int) {
	if reason, ok := dangerousProperties[name]; ok {
		a.add(SeverityHigh, KindBlacklist, line, fmt.Sprintf("%s (%s)", name, reason))
	}
}

// checkPrototypeWrite flags assignments whose target is a prototype slot.
func (a *analysis) checkPrototypeWrite(target ast.Expression) {
	if dot, ok := target.(*ast.DotExpression); ok {
		name := dot.Identifier.Name.String()
		if name == "prototype" || name == "__proto__" {
			a.add(SeverityHigh, KindBlacklist, a.lineOfNode(dot.Left),
				fmt.Sprintf("assignment to %s (prototype mutation)", name))
		}
	}
}

// checkLoop applies the infinite-loop heuristic: a loop whose condition is
// literally always true and whose body contains no break, return, or throw.
func (a *analysis) checkLoop(test ast.Expression, body ast.Statement, line int, form string) {
	always := false
	switch t := test.(type) {
	case nil:
		always = true // for(;;)
	case *ast.BooleanLiteral:
		always = t.Value
	}
	if !always {
		return
	}
	if !hasLoopExit(body) {
		a.add(SeverityHigh, KindInfiniteLoop, line,
			fmt.Sprintf("%s without break or return", form))
	}
}

// hasLoopExit reports whether the statement subtree contains a break,
// return, or throw that would leave the enclosing loop. Nested loops and
// function bodies are not descended into: their exits do not terminate the
// outer loop.
func hasLoopExit(stmt ast.Statement) bool {
	switch s := stmt.(type) {
	case nil:
		return false
	case *ast.BranchStatement:
		return s.Token == token.BREAK
	case *ast.ReturnStatement, *ast.ThrowStatement:
		return true
	case *ast.BlockStatement:
		for _, inner := range s.List {
			if hasLoopExit(inner) {
				return true
			}
		}
	case *ast.IfStatement:
		return hasLoopExit(s.Consequent) || hasLoopExit(s.Alternate)
	case *ast.SwitchStatement:
		for _, c := range s.Body {
			for _, inner := range c.Consequent {
				if b, isBranch := inner.(*ast.BranchStatement); isBranch && b.Token == token.BREAK {
					continue // break inside switch exits the switch, not the loop
				}
				if hasLoopExit(inner) {
					return true
				}
			}
		}
	case *ast.TryStatement:
		if hasLoopExit(s.Body) {
			return true
		}
		if s.Catch != nil && hasLoopExit(s.Catch.Body) {
			return true
		}
		if s.Finally != nil && hasLoopExit(s.Finally) {
			return true
		}
	case *ast.LabelledStatement:
		return hasLoopExit(s.Statement)
	}
	return false
}

// calleePath renders a static dotted call target ("api.http.get"). Returns
// "" when any segment is dynamic.
func calleePath(expr ast.Expression) string {
	switch e := expr.(type) {
	case *ast.Identifier:
		return e.Name.String()
	case *ast.DotExpression:
		left := calleePath(e.Left)
		if left == "" {
			return ""
		}
		return left + "." + e.Identifier.Name.String()
	}
	return ""
}

// line maps a parser index back to a 1-based source line. ParseFile was
// given a nil file set, so indexes are 1-based byte offsets.
func (a *analysis) line(idx file.Idx) int {
	return lineOfOffset(a.source, int(idx)-1)
}

func (a *analysis) lineOfNode(n ast.Node) int {
	if n == nil {
		return 1
	}
	return a.line(n.Idx0())
}

func lineOfOffset(source string, offset int) int {
	if offset < 0 {
		return 1
	}
	if offset > len(source) {
		offset = len(source)
	}
	return 1 + strings.Count(source[:offset], "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
