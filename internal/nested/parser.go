package nested

import "fmt"

const maxDepth = 64

type parser struct {
	lex   lexer
	tok   token
	depth int
}

// Parse reads exactly one value from src. Anything after the value other than whitespace
// is a syntax error.
func Parse(src string) (Node, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return Node{}, err
	}
	node, err := p.value()
	if err != nil {
		return Node{}, err
	}
	if p.tok.kind != tokenEOF {
		return Node{}, p.unexpected("end of input")
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) unexpected(want string) error {
	return &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("expected %s, found %s", want, p.tok.kind)}
}

func (p *parser) value() (Node, error) {
	switch p.tok.kind {
	case tokenString:
		return p.scalar(KindString)
	case tokenNumber:
		return p.scalar(KindNumber)
	case tokenWord:
		return p.scalar(KindWord)
	case tokenLBrace:
		return p.object()
	case tokenLBracket:
		return p.list()
	default:
		return Node{}, p.unexpected("a value")
	}
}

func (p *parser) scalar(kind Kind) (Node, error) {
	node := Node{Kind: kind, Text: p.tok.text}
	return node, p.advance()
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return &SyntaxError{Pos: p.tok.pos, Msg: fmt.Sprintf("nesting deeper than %d", maxDepth)}
	}
	return p.advance()
}

func (p *parser) object() (Node, error) {
	if err := p.enter(); err != nil {
		return Node{}, err
	}
	defer func() { p.depth-- }()

	node := Node{Kind: KindObject}
	if p.tok.kind == tokenRBrace {
		return node, p.advance()
	}
	for {
		switch p.tok.kind {
		case tokenString, tokenNumber, tokenWord:
		default:
			return Node{}, p.unexpected("a key")
		}
		key := p.tok.text
		if err := p.advance(); err != nil {
			return Node{}, err
		}
		if p.tok.kind != tokenColon {
			return Node{}, p.unexpected("':'")
		}
		if err := p.advance(); err != nil {
			return Node{}, err
		}
		val, err := p.value()
		if err != nil {
			return Node{}, err
		}
		node.Pairs = append(node.Pairs, Pair{Key: key, Value: val})

		switch p.tok.kind {
		case tokenComma:
			if err := p.advance(); err != nil {
				return Node{}, err
			}
		case tokenRBrace:
			return node, p.advance()
		default:
			return Node{}, p.unexpected("',' or '}'")
		}
	}
}

func (p *parser) list() (Node, error) {
	if err := p.enter(); err != nil {
		return Node{}, err
	}
	defer func() { p.depth-- }()

	node := Node{Kind: KindList}
	if p.tok.kind == tokenRBracket {
		return node, p.advance()
	}
	for {
		item, err := p.value()
		if err != nil {
			return Node{}, err
		}
		node.Items = append(node.Items, item)

		switch p.tok.kind {
		case tokenComma:
			if err := p.advance(); err != nil {
				return Node{}, err
			}
		case tokenRBracket:
			return node, p.advance()
		default:
			return Node{}, p.unexpected("',' or ']'")
		}
	}
}
