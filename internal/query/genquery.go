package query

import (
	"strings"
	"unicode"

	"github.com/mataphp/jargon/internal/errors"
)

// Catalog columns understood by the grid query engine.
const (
	ColCollName         = "COLL_NAME"
	ColCollParentName   = "COLL_PARENT_NAME"
	ColCollOwnerName    = "COLL_OWNER_NAME"
	ColCollOwnerZone    = "COLL_OWNER_ZONE"
	ColCollCreateTime   = "COLL_CREATE_TIME"
	ColCollModifyTime   = "COLL_MODIFY_TIME"
	ColCollAccessUser   = "COLL_ACCESS_USER_NAME"
	ColCollAccessName   = "COLL_ACCESS_NAME"
	ColDataName         = "DATA_NAME"
	ColDataSize         = "DATA_SIZE"
	ColDataOwnerName    = "DATA_OWNER_NAME"
	ColDataOwnerZone    = "DATA_OWNER_ZONE"
	ColDataChecksum     = "DATA_CHECKSUM"
	ColDataCreateTime   = "DATA_CREATE_TIME"
	ColDataModifyTime   = "DATA_MODIFY_TIME"
	ColDataAccessUser   = "DATA_ACCESS_USER_NAME"
	ColDataAccessName   = "DATA_ACCESS_NAME"
	ColMetaCollAttrName = "META_COLL_ATTR_NAME"
	ColMetaCollAttrVal  = "META_COLL_ATTR_VALUE"
	ColMetaDataAttrName = "META_DATA_ATTR_NAME"
	ColMetaDataAttrVal  = "META_DATA_ATTR_VALUE"
)

// Comparison operators.
const (
	OpEqual    = "="
	OpNotEqual = "<>"
	OpLike     = "LIKE"
	OpGreater  = ">"
	OpLess     = "<"
)

// Condition is one WHERE predicate.
type Condition struct {
	Column string
	Op     string
	Value  string
}

// GenQuery is a parsed query: selected columns and ANDed conditions.
type GenQuery struct {
	Select []string
	Where  []Condition
}

// Select starts a query over cols.
func Select(cols ...string) GenQuery {
	return GenQuery{Select: cols}
}

// Where returns q with one more condition.
func (q GenQuery) Where(col, op, value string) GenQuery {
	where := make([]Condition, len(q.Where), len(q.Where)+1)
	copy(where, q.Where)
	q.Where = append(where, Condition{Column: col, Op: op, Value: value})
	return q
}

// String renders q in the grammar Parse accepts.
func (q GenQuery) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(q.Select, ", "))
	for i, c := range q.Where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(c.Column)
		b.WriteByte(' ')
		b.WriteString(c.Op)
		b.WriteString(" '")
		b.WriteString(strings.ReplaceAll(c.Value, "'", "''"))
		b.WriteByte('\'')
	}
	return b.String()
}

// EscapeLike quotes the LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Parse reads SELECT col[, col...] [WHERE col OP 'value' [AND ...]].
// Keywords and column names are case-insensitive; column names are
// returned upper-cased.
func Parse(text string) (GenQuery, error) {
	const op = "query.Parse"
	toks, err := tokenize(text)
	if err != nil {
		return GenQuery{}, errors.E(op, errors.Invalid, err)
	}
	p := parser{toks: toks}
	q, err := p.parse()
	if err != nil {
		return GenQuery{}, errors.E(op, errors.Invalid, errors.Errorf("%s in %q", err, text))
	}
	return q, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokComma
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '\'':
			var b strings.Builder
			i++
			closed := false
			for i < len(s) {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, errors.Str("unterminated string literal")
			}
			toks = append(toks, token{tokString, b.String()})
		case c == '<' && i+1 < len(s) && s[i+1] == '>':
			toks = append(toks, token{tokOp, OpNotEqual})
			i += 2
		case c == '=' || c == '<' || c == '>':
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)):
			j := i
			for j < len(s) && (s[j] == '_' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, token{tokWord, s[i:j]})
			i = j
		default:
			return nil, errors.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) keyword(kw string) bool {
	if p.pos < len(p.toks) && p.toks[p.pos].kind == tokWord && strings.EqualFold(p.toks[p.pos].text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) column() (string, error) {
	t, ok := p.next()
	if !ok || t.kind != tokWord {
		return "", errors.Str("expected column name")
	}
	return strings.ToUpper(t.text), nil
}

func (p *parser) parse() (GenQuery, error) {
	var q GenQuery
	if !p.keyword("SELECT") {
		return q, errors.Str("expected SELECT")
	}
	for {
		col, err := p.column()
		if err != nil {
			return q, err
		}
		q.Select = append(q.Select, col)
		if p.pos < len(p.toks) && p.toks[p.pos].kind == tokComma {
			p.pos++
			continue
		}
		break
	}
	if p.pos == len(p.toks) {
		return q, nil
	}
	if !p.keyword("WHERE") {
		return q, errors.Errorf("unexpected %q after select list", p.toks[p.pos].text)
	}
	for {
		col, err := p.column()
		if err != nil {
			return q, err
		}
		var op string
		if p.keyword("LIKE") {
			op = OpLike
		} else if t, ok := p.next(); ok && t.kind == tokOp {
			op = t.text
		} else {
			return q, errors.Errorf("expected operator after %s", col)
		}
		t, ok := p.next()
		if !ok || t.kind != tokString {
			return q, errors.Errorf("expected quoted value after %s %s", col, op)
		}
		q.Where = append(q.Where, Condition{Column: col, Op: op, Value: t.text})
		if p.pos == len(p.toks) {
			return q, nil
		}
		if !p.keyword("AND") {
			return q, errors.Errorf("unexpected %q, want AND", p.toks[p.pos].text)
		}
	}
}

// Match reports whether value satisfies the condition. LIKE supports the %
// (any run) and _ (any one byte) wildcards. Ordering operators compare
// numerically when both sides are integers, otherwise lexically.
func (c Condition) Match(value string) bool {
	switch c.Op {
	case OpEqual:
		return value == c.Value
	case OpNotEqual:
		return value != c.Value
	case OpLike:
		return like(value, c.Value)
	case OpGreater:
		return compare(value, c.Value) > 0
	case OpLess:
		return compare(value, c.Value) < 0
	}
	return false
}

// like matches s against a LIKE pattern: % is any run, _ is any one byte
// and a backslash makes the next byte literal.
func like(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '\\':
		if len(pattern) == 1 {
			return s == "\\"
		}
		return s != "" && s[0] == pattern[1] && like(s[1:], pattern[2:])
	case '%':
		for i := 0; i <= len(s); i++ {
			if like(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		return s != "" && like(s[1:], pattern[1:])
	default:
		return s != "" && s[0] == pattern[0] && like(s[1:], pattern[1:])
	}
}
