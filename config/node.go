// Package config implements vsmtpd's directive-block configuration format
// and loader: a small schema-specific struct populated from a maddy-style
// "name arg0 arg1 { ... }" file via the Map directive-registration idiom
// the teacher's framework/config.Map exposes, trimmed to the directives
// this module actually has (listeners, TLS, queue paths, policy toggles,
// metrics address). It reuses the teacher's Caddyfile-derived
// lexer; the recursive-descent Node reader is written fresh for this
// module, since the teacher's own Node reader (framework/cfgparser) turned
// out to depend on a lexer.Dispenser type that does not exist anywhere in
// the corpus this module was built from (see DESIGN.md).
package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/yonasBSD/vsmtpd/config/lexer"
)

// Node is one parsed directive or block: a name, its arguments, and (for
// a block) its child nodes.
type Node struct {
	Name     string
	Args     []string
	Children []Node
	File     string
	Line     int
}

// NodeErr formats an error tagged with node's source position.
func NodeErr(node Node, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if node.File == "" {
		return errors.New(msg)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, msg)
}

// ReadAll parses every top-level directive/block in input.
func ReadAll(input io.Reader, file string) ([]Node, error) {
	lx, err := lexer.New(input, file)
	if err != nil {
		return nil, err
	}
	p := &parser{lx: lx}
	p.advance()

	var nodes []Node
	for p.valid {
		if p.cur.Text == "}" {
			return nil, NodeErr(Node{File: p.cur.File, Line: p.cur.Line}, "unexpected %q", "}")
		}
		n, err := p.readNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := p.lx.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// parser walks the token stream one token of lookahead at a time: cur
// always holds the next unconsumed token, valid reports whether cur is
// meaningful (false at end of input).
type parser struct {
	lx    *lexer.Lexer
	cur   lexer.Token
	valid bool
}

func (p *parser) advance() {
	p.valid = p.lx.Next()
	if p.valid {
		p.cur = p.lx.Token()
	} else {
		p.cur = lexer.Token{}
	}
}

// readNode reads one directive: its name, same-line arguments, and,
// if the line ends in "{", its block. A block's own "}" is left for the
// enclosing readBlock to consume.
func (p *parser) readNode() (Node, error) {
	n := Node{Name: p.cur.Text, File: p.cur.File, Line: p.cur.Line}
	line := p.cur.Line
	p.advance()

	for p.valid && p.cur.Line == line {
		switch p.cur.Text {
		case "{":
			p.advance()
			children, err := p.readBlock()
			if err != nil {
				return n, err
			}
			n.Children = children
			return n, nil
		case "}":
			return n, nil
		default:
			n.Args = append(n.Args, p.cur.Text)
			p.advance()
		}
	}
	return n, nil
}

// readBlock reads sibling nodes until a "}" token, which it consumes
// before returning. The opening "{" must already have been consumed.
func (p *parser) readBlock() ([]Node, error) {
	var nodes []Node
	for p.valid {
		if p.cur.Text == "}" {
			p.advance()
			return nodes, nil
		}
		n, err := p.readNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nil, errors.New("config: unterminated block")
}
