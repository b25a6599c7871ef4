// Package parser turns RTFS s-expression source into an ast.Expr tree
// (spec.md §6). It tolerates fenced or prose-wrapped LLM output by extracting
// the first top-level balanced `(plan ...)` or `(do ...)` form.
package parser

import (
	"fmt"
	"strings"

	"goa.design/ccos/pkg/ast"
)

// Parser holds tokenizer state for one parse.
type Parser struct {
	lex *lexer
	cur token
}

// New creates a Parser over src.
func New(src string) (*Parser, error) {
	p := &Parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *Parser) expect(k tokenKind, what string) (token, error) {
	if p.cur.kind != k {
		return token{}, &ParseError{Message: fmt.Sprintf("expected %s, got token kind %d", what, p.cur.kind), Start: p.cur.start, End: p.cur.end}
	}
	t := p.cur
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return t, nil
}

// ParseExpr parses exactly one top-level expression and returns it; it does
// not require the input to be fully consumed.
func ParseExpr(src string) (ast.Expr, error) {
	p, err := New(src)
	if err != nil {
		return nil, err
	}
	return p.parseExpr()
}

// ParseProgram parses zero or more top-level expressions and wraps them in a
// Do node. Used for full plan bodies.
func ParseProgram(src string) (*ast.Do, error) {
	p, err := New(src)
	if err != nil {
		return nil, err
	}
	var exprs []ast.Expr
	for p.cur.kind != tokEOF {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return ast.NewDo(ast.NewSpan(0, len(src)), exprs), nil
}

func (p *Parser) parseExpr() (ast.Expr, error) {
	switch p.cur.kind {
	case tokLParen:
		return p.parseList()
	case tokLBracket:
		return p.parseVector()
	case tokLBrace:
		return p.parseMap()
	case tokString:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralString(ast.NewSpan(t.start, t.end), t.text), nil
	case tokInt:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralInt(ast.NewSpan(t.start, t.end), t.ival), nil
	case tokFloat:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralFloat(ast.NewSpan(t.start, t.end), t.fval), nil
	case tokBool:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralBool(ast.NewSpan(t.start, t.end), t.bval), nil
	case tokNil:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralNil(ast.NewSpan(t.start, t.end)), nil
	case tokKeyword:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewLiteralKeyword(ast.NewSpan(t.start, t.end), t.text), nil
	case tokSymbol:
		t := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewSymbol(ast.NewSpan(t.start, t.end), t.text), nil
	default:
		return nil, &ParseError{Message: "unexpected token", Start: p.cur.start, End: p.cur.end}
	}
}

func (p *Parser) parseVector() (ast.Expr, error) {
	start := p.cur.start
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var items []ast.Expr
	for p.cur.kind != tokRBracket {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated vector", Start: start, End: p.cur.end}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return ast.NewVector(ast.NewSpan(start, end), items), nil
}

func (p *Parser) parseMap() (ast.Expr, error) {
	start := p.cur.start
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}
	var entries []ast.MapEntry
	for p.cur.kind != tokRBrace {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated map", Start: start, End: p.cur.end}
		}
		k, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind == tokRBrace {
			return nil, &ParseError{Message: "map literal missing value", Start: start, End: p.cur.end}
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		entries = append(entries, ast.MapEntry{Key: k, Val: v})
	}
	end := p.cur.end
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return ast.NewMapExpr(ast.NewSpan(start, end), entries), nil
}

// parseList dispatches on the head symbol to build the right special form,
// falling back to a generic FunctionCall.
func (p *Parser) parseList() (ast.Expr, error) {
	start := p.cur.start
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	if p.cur.kind == tokRParen {
		end := p.cur.end
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ast.NewDo(ast.NewSpan(start, end), nil), nil
	}

	if p.cur.kind == tokSymbol {
		switch p.cur.text {
		case "do":
			return p.parseDo(start)
		case "if":
			return p.parseIf(start)
		case "let":
			return p.parseLet(start)
		case "fn":
			return p.parseFn(start, "")
		case "defn":
			return p.parseDefn(start)
		case "def":
			return p.parseDef(start)
		case "match":
			return p.parseMatch(start)
		case "for":
			return p.parseFor(start)
		case "try":
			return p.parseTry(start)
		case "step":
			return p.parseStepAsCall(start)
		case "parallel":
			return p.parseParallel(start)
		}
	}

	return p.parseCallTail(start, nil)
}

// parseCallTail parses the remainder of `(callee args...)` once the opening
// paren has been consumed. If calleeOverride is non-nil it is used instead of
// parsing a fresh callee expression (used by `step` sugar).
func (p *Parser) parseCallTail(start int, calleeOverride ast.Expr) (ast.Expr, error) {
	callee := calleeOverride
	if callee == nil {
		c, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		callee = c
	}
	var args []ast.Expr
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated list", Start: start, End: p.cur.end}
		}
		a, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewFunctionCall(ast.NewSpan(start, end), callee, args), nil
}

// parseStepAsCall represents `(step "name" expr)` as a FunctionCall whose
// callee is the symbol "step"; the orchestrator recognizes this shape to
// derive and apply a StepProfile (spec.md §4.5).
func (p *Parser) parseStepAsCall(start int) (ast.Expr, error) {
	t := p.cur // "step" symbol token
	if err := p.advance(); err != nil {
		return nil, err
	}
	callee := ast.NewSymbol(ast.NewSpan(t.start, t.end), "step")
	return p.parseCallTail(start, callee)
}

func (p *Parser) parseDo(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil { // consume "do"
		return nil, err
	}
	var exprs []ast.Expr
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated do", Start: start, End: p.cur.end}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewDo(ast.NewSpan(start, end), exprs), nil
}

func (p *Parser) parseIf(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var els ast.Expr
	if p.cur.kind != tokRParen {
		els, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewIf(ast.NewSpan(start, end), cond, then, els), nil
}

func (p *Parser) parseLet(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBracket, "'[' for let bindings"); err != nil {
		return nil, err
	}
	var bindings []ast.Binding
	for p.cur.kind != tokRBracket {
		if p.cur.kind != tokSymbol {
			return nil, &ParseError{Message: "expected binding name symbol", Start: p.cur.start, End: p.cur.end}
		}
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		init, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, ast.Binding{Name: name, Init: init})
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	var body []ast.Expr
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated let", Start: start, End: p.cur.end}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		body = append(body, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewLet(ast.NewSpan(start, end), bindings, ast.NewDo(ast.NewSpan(start, end), body)), nil
}

func (p *Parser) parseParams() ([]string, bool, error) {
	if _, err := p.expect(tokLBracket, "'[' for params"); err != nil {
		return nil, false, err
	}
	var params []string
	variadic := false
	for p.cur.kind != tokRBracket {
		if p.cur.kind != tokSymbol {
			return nil, false, &ParseError{Message: "expected parameter symbol", Start: p.cur.start, End: p.cur.end}
		}
		if p.cur.text == "&" {
			variadic = true
			if err := p.advance(); err != nil {
				return nil, false, err
			}
			continue
		}
		params = append(params, p.cur.text)
		if err := p.advance(); err != nil {
			return nil, false, err
		}
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, false, err
	}
	return params, variadic, nil
}

func (p *Parser) parseFn(start int, name string) (ast.Expr, error) {
	if err := p.advance(); err != nil { // consume "fn"
		return nil, err
	}
	params, variadic, err := p.parseParams()
	if err != nil {
		return nil, err
	}
	var body []ast.Expr
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated fn", Start: start, End: p.cur.end}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		body = append(body, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewFn(ast.NewSpan(start, end), name, params, variadic, ast.NewDo(ast.NewSpan(start, end), body), "", ""), nil
}

func (p *Parser) parseDefn(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil { // consume "defn"
		return nil, err
	}
	if p.cur.kind != tokSymbol {
		return nil, &ParseError{Message: "expected defn name", Start: p.cur.start, End: p.cur.end}
	}
	name := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	fnExpr, err := p.parseFn(start, name)
	if err != nil {
		return nil, err
	}
	fn := fnExpr.(*ast.Fn)
	return ast.NewDefn(ast.NewSpan(start, fn.Span().End), name, fn), nil
}

func (p *Parser) parseDef(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind != tokSymbol {
		return nil, &ParseError{Message: "expected def name", Start: p.cur.start, End: p.cur.end}
	}
	name := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	init, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewDef(ast.NewSpan(start, end), name, init), nil
}

func (p *Parser) parseMatch(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	subject, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var clauses []ast.MatchClause
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated match", Start: start, End: p.cur.end}
		}
		pattern, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		result, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, ast.MatchClause{Pattern: pattern, Result: result})
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewMatch(ast.NewSpan(start, end), subject, clauses), nil
}

func (p *Parser) parseFor(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBracket, "'[' for for-binding"); err != nil {
		return nil, err
	}
	if p.cur.kind != tokSymbol {
		return nil, &ParseError{Message: "expected loop variable symbol", Start: p.cur.start, End: p.cur.end}
	}
	varName := p.cur.text
	if err := p.advance(); err != nil {
		return nil, err
	}
	coll, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	var body []ast.Expr
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated for", Start: start, End: p.cur.end}
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		body = append(body, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewFor(ast.NewSpan(start, end), varName, coll, ast.NewDo(ast.NewSpan(start, end), body)), nil
}

func (p *Parser) parseTry(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var body []ast.Expr
	var catch *ast.CatchClause
	var finally *ast.Do
	for p.cur.kind != tokRParen {
		if p.cur.kind == tokEOF {
			return nil, &ParseError{Message: "unterminated try", Start: start, End: p.cur.end}
		}
		if p.cur.kind == tokLParen {
			// lookahead for catch/finally
			save := *p.lex
			saveCur := p.cur
			if err := p.advance(); err == nil && p.cur.kind == tokSymbol && p.cur.text == "catch" {
				cstart := saveCur.start
				if err := p.advance(); err != nil {
					return nil, err
				}
				if p.cur.kind != tokSymbol {
					return nil, &ParseError{Message: "expected catch binding symbol", Start: p.cur.start, End: p.cur.end}
				}
				binding := p.cur.text
				if err := p.advance(); err != nil {
					return nil, err
				}
				var cbody []ast.Expr
				for p.cur.kind != tokRParen {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					cbody = append(cbody, e)
				}
				if _, err := p.expect(tokRParen, "')'"); err != nil {
					return nil, err
				}
				catch = &ast.CatchClause{Binding: binding, Body: ast.NewDo(ast.NewSpan(cstart, p.cur.end), cbody)}
				continue
			} else if err == nil && p.cur.kind == tokSymbol && p.cur.text == "finally" {
				fstart := saveCur.start
				if err := p.advance(); err != nil {
					return nil, err
				}
				var fbody []ast.Expr
				for p.cur.kind != tokRParen {
					e, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					fbody = append(fbody, e)
				}
				if _, err := p.expect(tokRParen, "')'"); err != nil {
					return nil, err
				}
				finally = ast.NewDo(ast.NewSpan(fstart, p.cur.end), fbody)
				continue
			}
			// not catch/finally: rewind and parse as a normal expression
			*p.lex = save
			p.cur = saveCur
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			body = append(body, e)
			continue
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		body = append(body, e)
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewTryCatch(ast.NewSpan(start, end), ast.NewDo(ast.NewSpan(start, end), body), catch, finally), nil
}

func (p *Parser) parseParallel(start int) (ast.Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	var bindings []ast.ParallelBinding
	for p.cur.kind != tokRParen {
		if p.cur.kind != tokLBracket {
			return nil, &ParseError{Message: "expected [name expr] binding in parallel", Start: p.cur.start, End: p.cur.end}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokSymbol {
			return nil, &ParseError{Message: "expected binding name symbol", Start: p.cur.start, End: p.cur.end}
		}
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		bindings = append(bindings, ast.ParallelBinding{Name: name, Expr: e})
	}
	end := p.cur.end
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return ast.NewParallel(ast.NewSpan(start, end), bindings), nil
}

// ExtractBalancedForm scans raw (possibly fenced, possibly prose-wrapped) LLM
// output for the first top-level balanced `(plan ...)` or `(do ...)` form and
// returns its source text (spec.md §6). It tolerates ```rtfs and ```lisp
// fences and trailing prose.
func ExtractBalancedForm(raw string) (string, error) {
	text := raw
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "rtfs")
		rest = strings.TrimPrefix(rest, "lisp")
		rest = strings.TrimPrefix(rest, "\n")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
	}

	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '(':
			if depth == 0 {
				start = i
			}
			depth++
		case ')':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					form := text[start : i+1]
					head := strings.FieldsFunc(form, func(c rune) bool { return strings.ContainsRune(" \t\r\n()", c) })
					if len(head) > 0 && (head[0] == "plan" || head[0] == "do") {
						return form, nil
					}
					start = -1
				}
			}
		}
	}
	return "", fmt.Errorf("no balanced top-level (plan ...) or (do ...) form found")
}
