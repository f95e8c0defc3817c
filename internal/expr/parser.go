// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"strconv"
)

// Node is an expression AST node.
type Node interface {
	eval(ev *evaluator) (Value, error)
}

type literalNode struct {
	value Value
}

type identNode struct {
	name string
}

type memberNode struct {
	target Node
	name   string
}

type indexNode struct {
	target Node
	index  Node
}

type callNode struct {
	name string
	args []Node
}

type unaryNode struct {
	op      tokenKind
	operand Node
}

type binaryNode struct {
	op          tokenKind
	left, right Node
}

// Binding powers, loosest first.
const (
	precLowest  = iota
	precOr      // ||
	precAnd     // &&
	precEq      // == !=
	precCompare // < >
	precAdd     // +
	precUnary   // !
	precPostfix // . [ (
)

func binaryPrec(kind tokenKind) int {
	switch kind {
	case tokOr:
		return precOr
	case tokAnd:
		return precAnd
	case tokEq, tokNeq:
		return precEq
	case tokLt, tokGt:
		return precCompare
	case tokPlus:
		return precAdd
	}
	return precLowest
}

type parser struct {
	lex  *lexer
	cur  token
	peek token
}

// Parse compiles an expression source string into an AST.
func Parse(src string) (Node, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseExpr(precLowest)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing %q at %d", p.cur.text, p.cur.pos)
	}
	return node, nil
}

func (p *parser) advance() error {
	p.cur = p.peek
	next, err := p.lex.next()
	if err != nil {
		return err
	}
	p.peek = next
	return nil
}

func (p *parser) parseExpr(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		prec := binaryPrec(p.cur.kind)
		if prec == precLowest || prec < minPrec {
			return left, nil
		}
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		// Left-associative: parse the right side at one level tighter.
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tokNot, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokIdent {
				return nil, fmt.Errorf("expected member name after '.' at %d", p.cur.pos)
			}
			node = &memberNode{target: node, name: p.cur.text}
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			if p.cur.kind != tokRBracket {
				return nil, fmt.Errorf("expected ']' at %d", p.cur.pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			node = &indexNode{target: node, index: idx}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", p.cur.text, p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: Number(n)}, nil
	case tokString:
		v := String(p.cur.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: v}, nil
	case tokTrue, tokFalse:
		v := Bool(p.cur.kind == tokTrue)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: v}, nil
	case tokNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{value: Null}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseExpr(precLowest)
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil
	case tokIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokLParen {
			return p.parseCall(name)
		}
		return &identNode{name: name}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
	}
}

func (p *parser) parseCall(name string) (Node, error) {
	// cur is '('.
	if err := p.advance(); err != nil {
		return nil, err
	}
	var args []Node
	if p.cur.kind != tokRParen {
		for {
			arg, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.cur.kind != tokRParen {
		return nil, fmt.Errorf("expected ')' at %d", p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return &callNode{name: name, args: args}, nil
}
