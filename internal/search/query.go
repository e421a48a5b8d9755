// Package search parses and runs ad-hoc queries over stored detections,
// e.g. `label:malware AND ip:203.0.113.0/24 AND time>now-1h`.
package search

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrInvalidQuery wraps every parse failure.
var ErrInvalidQuery = errors.New("invalid query")

// TokenType is the kind of a lexed token.
type TokenType int

const (
	TokenField TokenType = iota
	TokenOperator
	TokenValue
	TokenAnd
	TokenOr
	TokenNot
	TokenEOF
)

// Token is one lexed token.
type Token struct {
	Type  TokenType
	Value string
}

// Operator is a comparison operator.
type Operator string

const (
	OpEquals      Operator = "="
	OpNotEquals   Operator = "!="
	OpContains    Operator = "~"
	OpNotContains Operator = "!~"
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
)

// Field is a searchable detection attribute.
type Field string

const (
	FieldAddress   Field = "ip"
	FieldLabel     Field = "label"
	FieldOutcome   Field = "action"
	FieldTimestamp Field = "timestamp"
	// FieldAny matches free text against the address and the label.
	FieldAny Field = "any"
)

var fieldAliases = map[string]Field{
	"ip":        FieldAddress,
	"src":       FieldAddress,
	"source":    FieldAddress,
	"address":   FieldAddress,
	"label":     FieldLabel,
	"attack":    FieldLabel,
	"action":    FieldOutcome,
	"outcome":   FieldOutcome,
	"timestamp": FieldTimestamp,
	"time":      FieldTimestamp,
	"ts":        FieldTimestamp,
}

// Condition is one field comparison.
type Condition struct {
	Field    Field
	Operator Operator
	Value    string

	pattern *regexp.Regexp
	prefix  netip.Prefix
	addr    netip.Addr
	at      time.Time
}

// Query is a disjunction of conjunctions: any group whose conditions all
// match selects the detection.
type Query struct {
	Raw    string
	Groups [][]Condition
}

// Lexer tokenizes a query string.
type Lexer struct {
	input   string
	pos     int
	current rune
}

// NewLexer creates a lexer for input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	if len(input) > 0 {
		l.current = rune(input[0])
	}
	return l
}

func (l *Lexer) advance() {
	l.pos++
	if l.pos < len(l.input) {
		l.current = rune(l.input[l.pos])
	} else {
		l.current = 0
	}
}

func (l *Lexer) skipWhitespace() {
	for unicode.IsSpace(l.current) {
		l.advance()
	}
}

func isOperatorStart(r rune) bool {
	return r == ':' || r == '=' || r == '!' || r == '>' || r == '<' || r == '~'
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()
	switch {
	case l.current == 0:
		return Token{Type: TokenEOF}
	case isOperatorStart(l.current):
		return l.readOperator()
	case l.current == '"' || l.current == '\'':
		return l.readQuotedString()
	}
	return l.readIdentifier()
}

func (l *Lexer) readOperator() Token {
	first := l.current
	l.advance()
	switch first {
	case ':', '=':
		return Token{Type: TokenOperator, Value: string(OpEquals)}
	case '~':
		return Token{Type: TokenOperator, Value: string(OpContains)}
	case '!':
		switch l.current {
		case '=':
			l.advance()
			return Token{Type: TokenOperator, Value: string(OpNotEquals)}
		case '~':
			l.advance()
			return Token{Type: TokenOperator, Value: string(OpNotContains)}
		}
		return Token{Type: TokenNot, Value: "NOT"}
	case '>', '<':
		if l.current == '=' {
			l.advance()
			return Token{Type: TokenOperator, Value: string(first) + "="}
		}
		return Token{Type: TokenOperator, Value: string(first)}
	}
	return Token{Type: TokenOperator, Value: string(first)}
}

func (l *Lexer) readQuotedString() Token {
	quote := l.current
	l.advance()
	var b strings.Builder
	for l.current != 0 && l.current != quote {
		if l.current == '\\' && l.pos+1 < len(l.input) && rune(l.input[l.pos+1]) == quote {
			l.advance()
		}
		b.WriteRune(l.current)
		l.advance()
	}
	if l.current == quote {
		l.advance()
	}
	return Token{Type: TokenValue, Value: b.String()}
}

func (l *Lexer) readIdentifier() Token {
	start := l.pos
	for l.current != 0 && !unicode.IsSpace(l.current) && !isOperatorStart(l.current) {
		l.advance()
	}
	value := l.input[start:l.pos]

	switch strings.ToUpper(value) {
	case "AND", "&&":
		return Token{Type: TokenAnd, Value: "AND"}
	case "OR", "||":
		return Token{Type: TokenOr, Value: "OR"}
	case "NOT":
		return Token{Type: TokenNot, Value: "NOT"}
	}

	// a word directly followed by an operator names a field
	l.skipWhitespace()
	if isOperatorStart(l.current) && l.current != '!' || l.current == '!' && l.pos+1 < len(l.input) &&
		(l.input[l.pos+1] == '=' || l.input[l.pos+1] == '~') {
		return Token{Type: TokenField, Value: value}
	}
	return Token{Type: TokenValue, Value: value}
}

// Parser turns tokens into a Query. AND binds tighter than OR; adjacent
// conditions without a connective are ANDed.
type Parser struct {
	lexer   *Lexer
	current Token
	now     time.Time
}

// NewParser creates a parser. now anchors relative times like "now-1h".
func NewParser(query string, now time.Time) *Parser {
	p := &Parser{lexer: NewLexer(query), now: now}
	p.advance()
	return p
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

// Parse parses the whole input.
func (p *Parser) Parse() (*Query, error) {
	q := &Query{Raw: p.lexer.input}
	var group []Condition
	for p.current.Type != TokenEOF {
		switch p.current.Type {
		case TokenOr:
			if len(group) == 0 {
				return nil, fmt.Errorf("%w: OR without a left-hand condition", ErrInvalidQuery)
			}
			q.Groups = append(q.Groups, group)
			group = nil
			p.advance()
		case TokenAnd:
			if len(group) == 0 {
				return nil, fmt.Errorf("%w: AND without a left-hand condition", ErrInvalidQuery)
			}
			p.advance()
		default:
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			group = append(group, cond)
		}
	}
	if len(group) == 0 && len(q.Groups) > 0 {
		return nil, fmt.Errorf("%w: dangling OR", ErrInvalidQuery)
	}
	if len(group) > 0 {
		q.Groups = append(q.Groups, group)
	}
	return q, nil
}

func (p *Parser) parseCondition() (Condition, error) {
	negate := false
	if p.current.Type == TokenNot {
		negate = true
		p.advance()
	}

	var cond Condition
	switch p.current.Type {
	case TokenValue:
		// free text
		cond = Condition{Field: FieldAny, Operator: OpContains, Value: p.current.Value}
		p.advance()
	case TokenField:
		name := p.current.Value
		field, ok := fieldAliases[strings.ToLower(name)]
		if !ok {
			return Condition{}, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, name)
		}
		p.advance()
		if p.current.Type != TokenOperator {
			return Condition{}, fmt.Errorf("%w: expected operator after %q", ErrInvalidQuery, name)
		}
		cond = Condition{Field: field, Operator: Operator(p.current.Value)}
		p.advance()
		if p.current.Type != TokenValue && p.current.Type != TokenField {
			return Condition{}, fmt.Errorf("%w: expected value after %s%s", ErrInvalidQuery, name, cond.Operator)
		}
		cond.Value = p.current.Value
		p.advance()
	default:
		return Condition{}, fmt.Errorf("%w: unexpected %q", ErrInvalidQuery, p.current.Value)
	}

	if negate {
		switch cond.Operator {
		case OpEquals:
			cond.Operator = OpNotEquals
		case OpNotEquals:
			cond.Operator = OpEquals
		case OpContains:
			cond.Operator = OpNotContains
		case OpNotContains:
			cond.Operator = OpContains
		default:
			return Condition{}, fmt.Errorf("%w: NOT cannot negate %s", ErrInvalidQuery, cond.Operator)
		}
	}
	if err := cond.compile(p.now); err != nil {
		return Condition{}, err
	}
	return cond, nil
}

func (c *Condition) compile(now time.Time) error {
	switch c.Field {
	case FieldTimestamp:
		if c.Operator == OpContains || c.Operator == OpNotContains {
			return fmt.Errorf("%w: %s is not valid for timestamp", ErrInvalidQuery, c.Operator)
		}
		t, err := parseTime(c.Value, now)
		if err != nil {
			return err
		}
		c.at = t
		return nil
	default:
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpNotContains:
		default:
			return fmt.Errorf("%w: %s is only valid for timestamp", ErrInvalidQuery, c.Operator)
		}
	}

	if c.Field == FieldAddress && (c.Operator == OpEquals || c.Operator == OpNotEquals) {
		if strings.Contains(c.Value, "/") {
			prefix, err := netip.ParsePrefix(c.Value)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
			}
			c.prefix = prefix.Masked()
			return nil
		}
		if addr, err := netip.ParseAddr(c.Value); err == nil {
			c.addr = addr.Unmap()
			return nil
		}
	}

	if strings.Contains(c.Value, "*") {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(c.Value), `\*`, ".*") + "$"
		c.pattern = regexp.MustCompile("(?i)" + expr)
	}
	return nil
}

// parseTime accepts RFC 3339 or a relative "now", "now-1h", "now-7d".
func parseTime(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "now") {
		return time.Time{}, fmt.Errorf("%w: bad time %q", ErrInvalidQuery, s)
	}
	rest := strings.TrimPrefix(lower, "now")
	if rest == "" {
		return now, nil
	}
	sign := time.Duration(1)
	switch rest[0] {
	case '-':
		sign = -1
	case '+':
	default:
		return time.Time{}, fmt.Errorf("%w: bad time %q", ErrInvalidQuery, s)
	}
	rest = rest[1:]

	var d time.Duration
	if strings.HasSuffix(rest, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(rest, "d"))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad time %q", ErrInvalidQuery, s)
		}
		d = time.Duration(days) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(rest); err != nil {
			return time.Time{}, fmt.Errorf("%w: bad time %q", ErrInvalidQuery, s)
		}
	}
	return now.Add(sign * d), nil
}

// ParseQuery parses query with relative times anchored at now.
func ParseQuery(query string, now time.Time) (*Query, error) {
	return NewParser(query, now).Parse()
}

// LowerBound returns the earliest time any group can match, or false when
// some group has no lower bound on timestamp.
func (q *Query) LowerBound() (time.Time, bool) {
	if len(q.Groups) == 0 {
		return time.Time{}, false
	}
	var earliest time.Time
	for i, group := range q.Groups {
		var bound time.Time
		found := false
		for _, c := range group {
			if c.Field != FieldTimestamp {
				continue
			}
			switch c.Operator {
			case OpGreater, OpGreaterEq, OpEquals:
				if !found || c.at.After(bound) {
					bound, found = c.at, true
				}
			}
		}
		if !found {
			return time.Time{}, false
		}
		if i == 0 || bound.Before(earliest) {
			earliest = bound
		}
	}
	return earliest, true
}

// String renders the parsed query in canonical form.
func (q *Query) String() string {
	groups := make([]string, 0, len(q.Groups))
	for _, group := range q.Groups {
		parts := make([]string, 0, len(group))
		for _, c := range group {
			parts = append(parts, fmt.Sprintf("%s%s%s", c.Field, c.Operator, strconv.Quote(c.Value)))
		}
		groups = append(groups, strings.Join(parts, " AND "))
	}
	return strings.Join(groups, " OR ")
}
