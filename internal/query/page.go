package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/mataphp/jargon/internal/errors"
	"github.com/mataphp/jargon/pkg/protocol"
)

// Page is one bounded slice of a query's result set.
type Page struct {
	Query      string
	Columns    []string
	Rows       []Row
	StartIndex int
	LastPage   bool
	// TotalRecords is the server's count hint, 0 when unknown.
	TotalRecords int64
}

// NextIndex is the start index of the page that follows p.
func (p *Page) NextIndex() int { return p.StartIndex + len(p.Rows) }

// Row is one result row aligned with its page's columns.
type Row struct {
	// Index is the row's absolute position in the result set.
	Index  int
	Values []string
	cols   *columns
}

type columns struct {
	names []string
	pos   map[string]int
}

func newColumns(names []string) *columns {
	c := &columns{names: names, pos: make(map[string]int, len(names))}
	for i, n := range names {
		key := strings.ToUpper(n)
		if _, dup := c.pos[key]; !dup {
			c.pos[key] = i
		}
	}
	return c
}

// newPage validates a wire page and converts it.
func newPage(text string, start int, wire protocol.QueryPage) (*Page, error) {
	const op = "query.Page"
	if wire.StartIndex != start {
		return nil, errors.E(op, errors.Protocol, errors.Errorf("page starts at %d, requested %d", wire.StartIndex, start))
	}
	if len(wire.Rows) == 0 && !wire.LastPage {
		return nil, errors.E(op, errors.Protocol, errors.Errorf("empty page at %d is not the last page", start))
	}
	if len(wire.Columns) == 0 && len(wire.Rows) > 0 {
		return nil, errors.E(op, errors.Protocol, errors.Str("rows without column names"))
	}
	cols := newColumns(wire.Columns)
	page := &Page{
		Query:        text,
		Columns:      wire.Columns,
		Rows:         make([]Row, len(wire.Rows)),
		StartIndex:   wire.StartIndex,
		LastPage:     wire.LastPage,
		TotalRecords: wire.TotalRecords,
	}
	for i, values := range wire.Rows {
		if len(values) != len(wire.Columns) {
			return nil, errors.E(op, errors.Protocol, errors.Errorf("row %d has %d values for %d columns", start+i, len(values), len(wire.Columns)))
		}
		page.Rows[i] = Row{Index: start + i, Values: values, cols: cols}
	}
	return page, nil
}

// Len returns the number of values in the row.
func (r Row) Len() int { return len(r.Values) }

// Columns returns the row's column names.
func (r Row) Columns() []string {
	if r.cols == nil {
		return nil
	}
	return r.cols.names
}

// Column returns the value at position i.
func (r Row) Column(i int) (string, error) {
	if i < 0 || i >= len(r.Values) {
		return "", errors.E("query.Row.Column", errors.Protocol, errors.Errorf("column %d out of range [0,%d)", i, len(r.Values)))
	}
	return r.Values[i], nil
}

// Position returns the index of the named column. The match is
// case-insensitive.
func (r Row) Position(name string) (int, error) {
	if r.cols != nil {
		if i, ok := r.cols.pos[strings.ToUpper(name)]; ok {
			return i, nil
		}
	}
	return -1, errors.E("query.Row.Position", errors.Protocol, errors.Errorf("column %q not in result set", name))
}

// Get returns the value of the named column.
func (r Row) Get(name string) (string, error) {
	i, err := r.Position(name)
	if err != nil {
		return "", err
	}
	return r.Column(i)
}

// IntOrZero returns the named column as an int, or 0 when empty or not numeric.
func (r Row) IntOrZero(name string) (int, error) {
	v, err := r.LongOrZero(name)
	return int(v), err
}

// LongOrZero returns the named column as an int64, or 0 when empty or not numeric.
func (r Row) LongOrZero(name string) (int64, error) {
	s, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, perr := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if perr != nil {
		return 0, nil
	}
	return n, nil
}

// TimeOrZero returns the named column, stored as unix seconds, as a time.
// Empty or malformed values give the zero time.
func (r Row) TimeOrZero(name string) (time.Time, error) {
	n, err := r.LongOrZero(name)
	if err != nil || n == 0 {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

// compare orders two column values, numerically when both are integers.
func compare(a, b string) int {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
